package source

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standardJSON(t *testing.T, files map[string]string) string {
	t.Helper()
	sources := make(map[string]map[string]string, len(files))
	for p, c := range files {
		sources[p] = map[string]string{"content": c}
	}
	data, err := json.Marshal(map[string]any{
		"language": "Solidity",
		"sources":  sources,
		"settings": map[string]any{"optimizer": map[string]any{"enabled": true}},
	})
	require.NoError(t, err)
	return string(data)
}

func TestParseBundle_Flat(t *testing.T) {
	b, err := ParseBundle("Foo", "pragma solidity 0.8.0; contract Foo {}")
	require.NoError(t, err)
	assert.Equal(t, KindFlat, b.Kind)
	assert.Equal(t, "Foo", b.ContractName)
	assert.Equal(t, "pragma solidity 0.8.0; contract Foo {}", b.Code)
	assert.True(t, b.SelfContained())
}

func TestParseBundle_FlatDefaultsName(t *testing.T) {
	b, err := ParseBundle("", "contract X {}")
	require.NoError(t, err)
	assert.Equal(t, DefaultContractName, b.ContractName)
}

func TestParseBundle_FlatWithImportsIsNotSelfContained(t *testing.T) {
	b, err := ParseBundle("Foo", "pragma solidity ^0.8.0;\nimport \"./Bar.sol\";\ncontract Foo {}")
	require.NoError(t, err)
	assert.False(t, b.SelfContained())
}

func TestHasImports(t *testing.T) {
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"spaced", `import "./A.sol";`, true},
		{"double quote", `import"./A.sol";`, true},
		{"single quote", `import'./A.sol';`, true},
		{"braces", `import{A} from "./A.sol";`, true},
		{"wildcard", `import*as A from "./A.sol";`, true},
		{"indented", "contract Foo {}\n\timport \"./A.sol\";", true},
		{"identifier prefix", "uint important = 1;\nimports = 2;", false},
		{"mid line", `// see import "./A.sol"`, false},
		{"none", "pragma solidity ^0.8.0;\ncontract Foo {}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasImports(tt.code))
		})
	}
}

func TestParseBundle_UnspacedImportIsNotSelfContained(t *testing.T) {
	b, err := ParseBundle("Foo", "pragma solidity ^0.8.0;\nimport\"./Bar.sol\";\ncontract Foo {}")
	require.NoError(t, err)
	assert.False(t, b.SelfContained())
}

func TestParseBundle_StandardJSON(t *testing.T) {
	code := standardJSON(t, map[string]string{
		"contracts/Token.sol":                     "contract Token {}",
		"@openzeppelin/contracts/token/ERC20.sol": "contract ERC20 {}",
	})

	b, err := ParseBundle("Token", code)
	require.NoError(t, err)
	assert.Equal(t, KindMultiFile, b.Kind)
	assert.Len(t, b.Files, 2)
	assert.Equal(t, "contracts/Token.sol", b.MainFile)
}

func TestParseBundle_DoubleWrapped(t *testing.T) {
	code := "{" + standardJSON(t, map[string]string{"src/Vault.sol": "contract Vault {}"}) + "}"

	b, err := ParseBundle("Vault", code)
	require.NoError(t, err)
	assert.Equal(t, KindMultiFile, b.Kind)
	assert.Equal(t, "src/Vault.sol", b.MainFile)
}

func TestParseBundle_BareSourcesMap(t *testing.T) {
	code := `{"A.sol": {"content": "contract A {}"}, "B.sol": {"content": "contract B {}"}}`

	b, err := ParseBundle("B", code)
	require.NoError(t, err)
	assert.Equal(t, KindMultiFile, b.Kind)
	assert.Equal(t, "B.sol", b.MainFile)
}

func TestParseBundle_MainFileSelection(t *testing.T) {
	tests := []struct {
		name     string
		contract string
		files    []string
		want     string
	}{
		{"exact basename", "Token", []string{"a/MyToken.sol", "b/Token.sol"}, "b/Token.sol"},
		{"case insensitive", "token", []string{"x/Other.sol", "x/TOKEN.sol"}, "x/TOKEN.sol"},
		{"suffix match", "Token", []string{"a/Other.sol", "a/MyToken.sol"}, "a/MyToken.sol"},
		{"fallback first key", "Missing", []string{"z/Z.sol", "a/A.sol", "m/M.sol"}, "a/A.sol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := make(map[string]string)
			for _, f := range tt.files {
				files[f] = "contract X {}"
			}
			b, err := ParseBundle(tt.contract, standardJSON(t, files))
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.MainFile)
		})
	}
}

func TestParseBundle_Errors(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"invalid json", `{"sources": {`},
		{"empty sources", `{"language": "Solidity", "sources": {}}`},
		{"no sources key", `{"language": "Solidity", "settings": {}}`},
		{"empty object", `{}`},
		{"unterminated double wrap", `{{"sources": {}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBundle("X", tt.code)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
		})
	}
}

func TestMaterialize_Flat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contracts")
	b := &Bundle{Kind: KindFlat, ContractName: "Foo", Code: "contract Foo {}"}

	mainPath, err := Materialize(b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Foo.sol"), mainPath)

	data, err := os.ReadFile(mainPath)
	require.NoError(t, err)
	assert.Equal(t, "contract Foo {}", string(data))
}

func TestMaterialize_MultiFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contracts")
	b := &Bundle{
		Kind:         KindMultiFile,
		ContractName: "Token",
		Files: map[string]string{
			"contracts/Token.sol":                     "import \"@openzeppelin/contracts/token/ERC20.sol\";",
			"@openzeppelin/contracts/token/ERC20.sol": "contract ERC20 {}",
		},
		MainFile: "contracts/Token.sol",
	}

	mainPath, err := Materialize(b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "contracts", "Token.sol"), mainPath)

	_, err = os.Stat(filepath.Join(dir, "@openzeppelin", "contracts", "token", "ERC20.sol"))
	assert.NoError(t, err)
}

func TestMaterialize_ClearsStaleFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contracts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "Stale.sol")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := Materialize(&Bundle{Kind: KindFlat, ContractName: "Foo", Code: "x"}, dir)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestMaterialize_RejectsEscapingPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contracts")
	b := &Bundle{
		Kind:     KindMultiFile,
		Files:    map[string]string{"../../etc/evil.sol": "x"},
		MainFile: "../../etc/evil.sol",
	}

	_, err := Materialize(b, dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParse))
}

func TestMaterialize_StripsLeadingSlash(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contracts")
	b := &Bundle{
		Kind:     KindMultiFile,
		Files:    map[string]string{"/src/A.sol": "contract A {}"},
		MainFile: "/src/A.sol",
	}

	mainPath, err := Materialize(b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "src", "A.sol"), mainPath)
}

func TestRewriteImports(t *testing.T) {
	in := `import "@openzeppelin/contracts-v4.4/token/ERC20/ERC20.sol";
import "@openzeppelin/contracts-v4.4/access/Ownable.sol";
import "@openzeppelin/contracts/utils/Context.sol";
import "@openzeppelin/contracts-v4x4/Other.sol";`

	want := `import "@openzeppelin/contracts/token/ERC20/ERC20.sol";
import "@openzeppelin/contracts/access/Ownable.sol";
import "@openzeppelin/contracts/utils/Context.sol";
import "@openzeppelin/contracts-v4x4/Other.sol";`

	assert.Equal(t, want, RewriteImports(in))
}

func TestNormalizeImports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Token.sol")
	require.NoError(t, os.WriteFile(path, []byte(`import "@openzeppelin/contracts-v4.4/token/ERC20/ERC20.sol";`), 0o644))

	require.NoError(t, NormalizeImports(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `import "@openzeppelin/contracts/token/ERC20/ERC20.sol";`, string(data))
}

func TestNormalizeImports_MissingFile(t *testing.T) {
	err := NormalizeImports(filepath.Join(t.TempDir(), "nope.sol"))
	assert.Error(t, err)
}

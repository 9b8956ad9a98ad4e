package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hotaru-run/hotaru/pkg/types"
)

// Load loads configuration from multiple sources, lowest to highest
// precedence:
//  1. Global config (<config>/hotaru.json, <config>/hotaru.jsonc)
//  2. Project config (<directory>/hotaru.json, <directory>/hotaru.jsonc)
//  3. Nested project config (<directory>/.hotaru/hotaru.json[c])
//  4. Inline config from HOTARU_CONFIG_CONTENT
//  5. Environment variable overrides (API keys, HOTARU_MODEL, ...)
//  6. Managed config, which always wins regardless of the above
//
// HOTARU_DISABLE_PROJECT_CONFIG skips steps 2 and 3 entirely, useful for
// sandboxed or CI runs that must not pick up repo-local overrides.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	globalDir := GetPaths().Config
	loadConfigFile(filepath.Join(globalDir, "hotaru.json"), config)
	loadConfigFile(filepath.Join(globalDir, "hotaru.jsonc"), config)

	if directory != "" && os.Getenv("HOTARU_DISABLE_PROJECT_CONFIG") == "" {
		loadConfigFile(filepath.Join(directory, "hotaru.json"), config)
		loadConfigFile(filepath.Join(directory, "hotaru.jsonc"), config)
		loadConfigFile(filepath.Join(directory, ".hotaru", "hotaru.json"), config)
		loadConfigFile(filepath.Join(directory, ".hotaru", "hotaru.jsonc"), config)
	}

	if content := os.Getenv("HOTARU_CONFIG_CONTENT"); content != "" {
		loadConfigBytes([]byte(content), "", config)
	}

	applyEnvOverrides(config)

	// Managed config always wins: an administrator's policy overrides user
	// and project settings rather than the other way around.
	managedDir := managedConfigDir()
	loadConfigFile(filepath.Join(managedDir, "hotaru.json"), config)
	loadConfigFile(filepath.Join(managedDir, "hotaru.jsonc"), config)

	return config, nil
}

// loadConfigFile loads a single config file, merging it into config.
// Missing files are silently skipped.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return loadConfigBytes(data, filepath.Dir(path), config)
}

// loadConfigBytes interpolates, strips comments, and merges a raw config
// payload. dir is used to resolve {file:...} placeholders and may be empty.
func loadConfigBytes(data []byte, dir string, config *types.Config) error {
	data = interpolate(data, dir)
	data = stripJSONComments(data)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPlaceholder  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePlaceholder = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate substitutes {env:VAR} and {file:path} placeholders in raw
// config text. {env:VAR} becomes the environment variable's value, or an
// empty string if unset. {file:path} is resolved relative to dir and
// replaced with the target file's contents; if the file can't be read, the
// placeholder is left untouched so the resulting JSON still parses.
func interpolate(data []byte, dir string) []byte {
	text := envPlaceholder.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	text = filePlaceholder.ReplaceAllStringFunc(text, func(match string) string {
		rel := filePlaceholder.FindStringSubmatch(match)[1]
		path := rel
		if dir != "" && !filepath.IsAbs(rel) {
			path = filepath.Join(dir, rel)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		return string(content)
	})

	return []byte(text)
}

// jsoncToken matches a JSON string literal, a // comment or a /* */ comment.
// String literals are matched whole, so comment markers inside them survive.
var jsoncToken = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|//[^\n]*|/\*[\s\S]*?\*/`)

// stripJSONComments removes // and /* */ comments from JSONC.
func stripJSONComments(data []byte) []byte {
	return jsoncToken.ReplaceAllFunc(data, func(m []byte) []byte {
		if m[0] == '"' {
			return m
		}
		return nil
	})
}

// mergeConfig merges source config into target, field by field. Map
// entries are replaced wholesale per key (a provider or agent redefined
// downstream fully supersedes the upstream one); Instructions accumulate
// instead of replacing, since they're additive instruction files.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.Theme != "" {
		target.Theme = source.Theme
	}
	if source.Share != "" {
		target.Share = source.Share
	}

	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}

	target.Instructions = append(target.Instructions, source.Instructions...)

	if source.PromptVariables != nil {
		if target.PromptVariables == nil {
			target.PromptVariables = make(map[string]string)
		}
		for k, v := range source.PromptVariables {
			target.PromptVariables[k] = v
		}
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	if source.Command != nil {
		if target.Command == nil {
			target.Command = make(map[string]types.CommandConfig)
		}
		for k, v := range source.Command {
			target.Command[k] = v
		}
	}

	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]types.MCPConfig)
		}
		for k, v := range source.MCP {
			target.MCP[k] = v
		}
	}

	if source.Formatter != nil {
		if target.Formatter == nil {
			target.Formatter = make(map[string]types.FormatterConfig)
		}
		for k, v := range source.Formatter {
			target.Formatter[k] = v
		}
	}

	if source.Permission != nil {
		target.Permission = source.Permission
	}
	if source.LSP != nil {
		target.LSP = source.LSP
	}
	if source.Watcher != nil {
		target.Watcher = source.Watcher
	}
	if source.Experimental != nil {
		target.Experimental = source.Experimental
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("HOTARU_MODEL"); model != "" {
		config.Model = model
	}
	if smallModel := os.Getenv("HOTARU_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

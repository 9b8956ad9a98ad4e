// Package config provides configuration loading, merging, and path management for hotaru.
//
// This package handles the configuration system that supports multiple sources
// and formats, with a hierarchical loading strategy that ensures proper precedence.
//
// # Configuration Loading
//
// The Load function searches for and merges configuration from multiple sources,
// lowest to highest precedence:
//
//  1. Global config (<config>/hotaru.json[c], where <config> is GetPaths().Config,
//     itself overridable with HOTARU_CONFIG_DIR)
//  2. Project config (<directory>/hotaru.json[c])
//  3. Nested project config (<directory>/.hotaru/hotaru.json[c])
//  4. HOTARU_CONFIG_CONTENT inline JSON
//  5. Environment variable overrides
//  6. Managed config (<managed>/hotaru.json[c]), which always wins regardless
//     of the above
//
// HOTARU_DISABLE_PROJECT_CONFIG skips steps 2 and 3 entirely.
//
// # Supported Formats
//
// The package supports both JSON and JSONC (JSON with Comments) formats:
//   - hotaru.json - Standard JSON configuration
//   - hotaru.jsonc - JSON with comments
//
// # Variable Interpolation
//
// Configuration files support two types of variable interpolation, applied to
// the raw file bytes before JSONC comments are stripped:
//   - {env:VAR_NAME} - Expands to the environment variable's value (empty if unset)
//   - {file:path} - Expands to file contents, resolved relative to the config
//     file's own directory; left as-is if the file can't be read
//
// Example configuration with interpolation:
//
//	{
//	  "provider": {
//	    "anthropic": {
//	      "options": {
//	        "apiKey": "{env:ANTHROPIC_API_KEY}"
//	      }
//	    }
//	  },
//	  "instructions": [
//	    "{file:../custom-instructions.txt}"
//	  ]
//	}
//
// # Configuration Merging
//
// mergeConfig merges a newly loaded file into the accumulated config:
//   - Scalar fields are overwritten when the source value is non-zero
//   - Map fields (Provider, Agent, Command, MCP, Formatter, Tools,
//     PromptVariables) are merged key by key, with the source's value for a
//     shared key replacing the target's wholesale
//   - Instructions accumulate across every loaded file instead of replacing
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/hotaru (XDG_DATA_HOME)
//   - Config: ~/.config/hotaru (XDG_CONFIG_HOME, or HOTARU_CONFIG_DIR)
//   - Cache: ~/.cache/hotaru (XDG_CACHE_HOME)
//   - State: ~/.local/state/hotaru (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Several environment variables provide direct configuration overrides:
//   - HOTARU_MODEL - Override the default model
//   - HOTARU_SMALL_MODEL - Override the small model
//   - HOTARU_CONFIG_DIR - Override the global config directory
//   - HOTARU_CONFIG_CONTENT - Inline JSON configuration
//   - HOTARU_DISABLE_PROJECT_CONFIG - Skip project/.hotaru config discovery
//   - HOTARU_TEST_HOME - Override the home directory used for XDG fallbacks (tests)
//   - HOTARU_TEST_MANAGED_CONFIG_DIR - Override the managed config directory (tests)
//
// # Usage Example
//
//	// Load configuration from the current directory
//	config, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(config, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

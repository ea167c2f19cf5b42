package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/config"
)

var (
	initProvider       string
	initModel          string
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize loom in the current directory",
	Long: `Initialize loom by creating a .loom directory with configuration.

This command will:
- Create .loom/config.yaml with default settings
- Prompt for embedding provider (Ollama or OpenAI)
- Prompt for storage backend (GOB file, PostgreSQL, or Qdrant)
- Add .loom/ to .gitignore if present`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "Embedding provider (ollama or openai)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "Embedding model")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (gob, postgres, or qdrant)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if config.Exists(cwd) {
		fmt.Println("loom is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initProvider == "" {
			fmt.Println("\nSelect embedding provider:")
			fmt.Println("  1) ollama (local, privacy-first, requires Ollama running)")
			fmt.Println("  2) openai (cloud, requires API key)")
			fmt.Print("Choice [1]: ")

			input, _ := reader.ReadString('\n')
			input = strings.TrimSpace(input)

			switch input {
			case "2", "openai":
				applyProviderDefaults(cfg, "openai")
			default:
				applyProviderDefaults(cfg, "ollama")
				fmt.Print("Ollama endpoint [http://localhost:11434]: ")
				endpoint, _ := reader.ReadString('\n')
				endpoint = strings.TrimSpace(endpoint)
				if endpoint != "" {
					cfg.Embedder.Endpoint = endpoint
				}
			}
		} else {
			applyProviderDefaults(cfg, initProvider)
		}

		if initBackend == "" {
			fmt.Println("\nSelect storage backend:")
			fmt.Println("  1) gob (local file, recommended for most projects)")
			fmt.Println("  2) postgres (pgvector, for large monorepos or shared index)")
			fmt.Println("  3) qdrant (Docker-based vector database)")
			fmt.Print("Choice [1]: ")

			input, _ := reader.ReadString('\n')
			input = strings.TrimSpace(input)

			switch input {
			case "2", "postgres":
				cfg.Store.Backend = "postgres"
				fmt.Print("PostgreSQL DSN: ")
				dsn, _ := reader.ReadString('\n')
				cfg.Store.Postgres.DSN = strings.TrimSpace(dsn)
			case "3", "qdrant":
				cfg.Store.Backend = "qdrant"
				fmt.Print("Qdrant endpoint [localhost]: ")
				endpoint, _ := reader.ReadString('\n')
				endpoint = strings.TrimSpace(endpoint)
				if endpoint == "" {
					endpoint = "localhost"
				}
				cfg.Store.Qdrant.Endpoint = endpoint

				fmt.Print("Qdrant port [6334]: ")
				port, _ := reader.ReadString('\n')
				port = strings.TrimSpace(port)
				if port == "" {
					cfg.Store.Qdrant.Port = 6334
				} else {
					var portInt int
					if _, err := fmt.Sscanf(port, "%d", &portInt); err != nil {
						return fmt.Errorf("invalid port number: %w", err)
					}
					cfg.Store.Qdrant.Port = portInt
				}

				fmt.Print("API key (optional, for Qdrant Cloud): ")
				apiKey, _ := reader.ReadString('\n')
				cfg.Store.Qdrant.APIKey = strings.TrimSpace(apiKey)
			default:
				cfg.Store.Backend = "gob"
			}
		} else {
			cfg.Store.Backend = initBackend
		}
	} else {
		if initProvider != "" {
			applyProviderDefaults(cfg, initProvider)
		}
		if initBackend != "" {
			cfg.Store.Backend = initBackend
		}
	}

	if initModel != "" {
		cfg.Embedder.Model = initModel
	}

	if err := config.Save(cwd, cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	gitignorePath := filepath.Join(cwd, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		if err := addToGitignore(gitignorePath, config.ConfigDir+"/"); err != nil {
			fmt.Printf("Warning: could not update .gitignore: %v\n", err)
		} else {
			fmt.Printf("Added %s/ to .gitignore\n", config.ConfigDir)
		}
	}

	fmt.Println("\nloom initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Start the daemon: loom serve")
	fmt.Println("  2. Ask about your code: loom query \"your question\"")

	switch cfg.Embedder.Provider {
	case "ollama":
		fmt.Println("\nMake sure Ollama is running with the nomic-embed-text model:")
		fmt.Println("  ollama pull nomic-embed-text")
	case "openai":
		fmt.Println("\nMake sure OPENAI_API_KEY is set in your environment.")
	}

	return nil
}

func applyProviderDefaults(cfg *config.Config, provider string) {
	switch provider {
	case "openai":
		cfg.Embedder.Provider = "openai"
		cfg.Embedder.Model = "text-embedding-3-small"
		cfg.Embedder.Endpoint = "https://api.openai.com/v1"
		// OpenAI uses the model's native dimensions.
		cfg.Embedder.Dimensions = nil
	default:
		cfg.Embedder.Provider = "ollama"
	}
}

// addToGitignore appends entry to the gitignore file unless it is already
// listed.
func addToGitignore(gitignorePath, entry string) error {
	data, err := os.ReadFile(gitignorePath)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + entry + "\n")
	return err
}

package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marcus/taskbot/internal/config"
)

// ANSI color codes, blanked when stdout is not a terminal.
var (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Initialize a new taskbot configuration file.

By default, creates taskbot.yaml in the current directory.
Use --global to create a global config at ~/.config/taskbot/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("global", false, "Create global config instead of project config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	rootCmd.AddCommand(initCmd)
}

func useColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if noColor, _ := cmd.Flags().GetBool("no-color"); noColor || !useColor() {
		colorReset, colorGreen, colorYellow, colorCyan, colorBold = "", "", "", "", ""
	}
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")

	configPath, configType := config.GlobalConfigPath(), "global"
	if !global {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configPath, configType = filepath.Join(cwd, config.ProjectConfigName), "project"
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Printf("%sConfig already exists:%s %s\n", colorYellow, colorReset, configPath)
		fmt.Print("Overwrite? [y/N]: ")
		response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(configPath, []byte(config.DefaultYAML()), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\n%s%sCreated %s config:%s %s\n\n", colorBold, colorGreen, configType, colorReset, configPath)
	fmt.Printf("%sNext steps:%s\n", colorCyan, colorReset)
	fmt.Println("  1. Set timezone and, if chat frontends publish over NATS, bus.url")
	fmt.Println("  2. Run 'taskbot import' to bring over a legacy tasks.json")
	fmt.Println("  3. Run 'taskbot daemon start' to deliver reminders")
	fmt.Println()
	return nil
}

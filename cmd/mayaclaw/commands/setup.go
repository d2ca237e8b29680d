package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/copilot"
	"github.com/jholhewres/mayaclaw/pkg/mayaclaw/workspace"
)

const defaultSetupTarget = "config.yaml"

// Workspace layouts offered by the wizard.
const (
	layoutPersonal = "personal"
	layoutFamily   = "personal+family"
	layoutTeam     = "personal+family+team"
)

// newSetupCmd creates the `mayaclaw setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that writes config.yaml. It asks for the
assistant name, your user id, timezone, model and workspace layout.
The API key goes to the OS keyring, never into the config file.

Examples:
  mayaclaw setup
  mayaclaw setup --config ~/.mayaclaw/config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, _ := cmd.Root().PersistentFlags().GetString("config")
			if target == "" {
				target = defaultSetupTarget
			}
			_, err := runInteractiveSetup(target)
			return err
		},
	}
}

// setupAnswers collects the wizard's input.
type setupAnswers struct {
	name      string
	ownerID   string
	familyIDs string
	teamGroup string
	timezone  string
	baseURL   string
	model     string
	apiKey    string
	storage   string
	layout    string
	withTgram bool
	confirmed bool
	overwrite bool
}

// runInteractiveSetup runs the wizard and writes the config to target.
// It returns the written path.
func runInteractiveSetup(target string) (string, error) {
	cfg := copilot.DefaultConfig()
	ans := setupAnswers{
		name:      cfg.Name,
		timezone:  localTimezone(),
		baseURL:   cfg.API.BaseURL,
		model:     cfg.API.Model,
		storage:   cfg.Storage,
		layout:    layoutPersonal,
		withTgram: true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Maya setup").
				Description("Creates your configuration. Press Enter to keep a default."),
			huh.NewInput().
				Title("Assistant name").
				Value(&ans.name),
			huh.NewInput().
				Title("Your user id").
				Description("Your Telegram numeric user id (ask @userinfobot). Only listed users can talk to Maya.").
				Value(&ans.ownerID).
				Validate(requireValue("a user id is required")),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name, e.g. Europe/Lisbon").
				Value(&ans.timezone).
				Validate(func(s string) error {
					_, err := time.LoadLocation(strings.TrimSpace(s))
					return err
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Workspaces").
				Options(
					huh.NewOption("Personal only", layoutPersonal),
					huh.NewOption("Personal + family (shared DM)", layoutFamily),
					huh.NewOption("Personal + family + team group", layoutTeam),
				).
				Value(&ans.layout),
			huh.NewSelect[string]().
				Title("Storage for history and memory").
				Options(
					huh.NewOption("SQLite database (recommended)", copilot.StorageSQLite),
					huh.NewOption("Plain files in each workspace directory", copilot.StorageFile),
				).
				Value(&ans.storage),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Family member ids").
				Description("Comma-separated user ids allowed in the family workspace, besides you.").
				Value(&ans.familyIDs),
		).WithHideFunc(func() bool { return ans.layout == layoutPersonal }),
		huh.NewGroup(
			huh.NewInput().
				Title("Team group chat id").
				Description("The Telegram group id bound to the team workspace (negative number).").
				Value(&ans.teamGroup).
				Validate(requireValue("the team workspace needs a group id")),
		).WithHideFunc(func() bool { return ans.layout != layoutTeam }),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Description("Any OpenAI-compatible endpoint, or https://api.anthropic.com/v1.").
				Value(&ans.baseURL),
			huh.NewInput().
				Title("Model").
				Value(&ans.model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring. Leave empty to use MAYACLAW_API_KEY instead.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.apiKey),
			huh.NewConfirm().
				Title("Use Telegram?").
				Description("The bot token is read from MAYACLAW_TELEGRAM_TOKEN.").
				Value(&ans.withTgram),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Save to %s?", target)).
				Value(&ans.confirmed),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("setup cancelled")
		}
		return "", err
	}
	if !ans.confirmed {
		return "", errors.New("setup cancelled")
	}

	if _, err := os.Stat(target); err == nil {
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite it?", target)).
			Value(&ans.overwrite).
			Run()
		if err != nil || !ans.overwrite {
			return "", errors.New("setup cancelled, existing file kept")
		}
	}

	applyAnswers(cfg, ans)

	keyStored := false
	if ans.apiKey != "" {
		if err := copilot.StoreAPIKey(ans.apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "Could not store the API key in the keyring: %v\n", err)
			fmt.Fprintf(os.Stderr, "Export %s before running serve.\n", copilot.EnvAPIKey)
		} else {
			keyStored = true
		}
	}

	if err := copilot.SaveConfigToFile(cfg, target); err != nil {
		return "", fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\n%s created.\n\n", target)
	if keyStored {
		fmt.Println("  API key stored in the OS keyring.")
	} else {
		fmt.Printf("  No API key stored. Export %s or run: mayaclaw config set-key\n", copilot.EnvAPIKey)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	if ans.withTgram {
		fmt.Printf("  1. export %s=<token from @BotFather>\n", copilot.EnvTelegramToken)
		fmt.Println("  2. mayaclaw serve")
	} else {
		fmt.Println("  1. mayaclaw chat")
	}
	fmt.Println()
	return target, nil
}

// applyAnswers writes the wizard's answers into cfg.
func applyAnswers(cfg *copilot.Config, ans setupAnswers) {
	cfg.Name = strings.TrimSpace(ans.name)
	cfg.Timezone = strings.TrimSpace(ans.timezone)
	cfg.Storage = ans.storage
	cfg.API.BaseURL = strings.TrimSpace(ans.baseURL)
	cfg.API.Model = strings.TrimSpace(ans.model)
	cfg.API.APIKey = "${" + copilot.EnvAPIKey + "}"

	owner := strings.TrimSpace(ans.ownerID)
	cfg.Workspaces.Default = "personal"
	cfg.Workspaces.AuthorizedUsers = []string{owner}
	cfg.Workspaces.Configs = map[string]workspace.Config{
		"personal": {Mode: workspace.ModeSingle},
	}

	if ans.layout == layoutFamily || ans.layout == layoutTeam {
		cfg.Workspaces.Configs["family"] = workspace.Config{
			Mode:            workspace.ModeSharedDM,
			AuthorizedUsers: append([]string{owner}, splitIDs(ans.familyIDs)...),
		}
	}
	if ans.layout == layoutTeam {
		cfg.Workspaces.Configs["team"] = workspace.Config{
			Mode:       workspace.ModeGroup,
			GroupID:    strings.TrimSpace(ans.teamGroup),
			ListenMode: workspace.ListenMentions,
		}
	}

	if ans.withTgram {
		cfg.Channels.Telegram.Token = "${" + copilot.EnvTelegramToken + "}"
		cfg.Channels.Console.Enabled = false
	} else {
		cfg.Channels.Telegram.Token = ""
		cfg.Channels.Console.Enabled = true
	}
	// chat reuses the owner's identity so the same allowlist applies.
	cfg.Channels.Console.UserID = owner
}

// splitIDs splits a comma or space separated id list, dropping blanks.
func splitIDs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func requireValue(msg string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New(msg)
		}
		return nil
	}
}

// localTimezone returns the host's IANA zone, falling back to UTC.
func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		if _, err := time.LoadLocation(tz); err == nil {
			return tz
		}
	}
	if name := time.Local.String(); name != "Local" && name != "" {
		return name
	}
	return "UTC"
}

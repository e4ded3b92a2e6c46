package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/emuhost/emuhost/pkg/config"
	"github.com/emuhost/emuhost/pkg/engine"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and change settings",
		Long: `Show and change the settings of the settings folder.

The folder is taken from EMUHOST_SETTINGS_DIR, then --settings, then the user
configuration directory. The first of emuhost.yaml, emuhost.yml, emuhost.toml
and emuhost.cue found in it is used.`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigRoleCommand(engine.UnitEnabled))
	cmd.AddCommand(newConfigRoleCommand(engine.UnitDisabled))

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Example: `  emuhost config show
  emuhost config show --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(cmd.Context(), false, nil)
			if err != nil {
				return err
			}
			settings := store.Settings()

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, settings)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(cmd.Context(), false, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.Path())
			return nil
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default settings to the settings folder",
		Example: `  emuhost config init --settings ~/.config/emuhost`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openSettings(ctx, false, nil)
			if err != nil {
				return err
			}
			if _, err := os.Stat(store.Path()); err == nil {
				return fmt.Errorf("settings file %s already exists", store.Path())
			}

			store.Stage(func(s *config.Settings) { *s = config.Defaults() })
			if err := store.ApplySettings(ctx); err != nil {
				return err
			}

			log.Info().Str("path", store.Path()).Msg("Settings initialized")
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", store.Path())
			return nil
		},
	}
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the settings file",
		Long: `Load the settings file and check it against the struct rules and the CUE
schema. Loading already validates, so any error is reported as it would be
at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSettings(cmd.Context(), false, nil)
			if err != nil {
				return err
			}
			if err := store.Validate(cmd.Context(), store.Settings()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", store.Path())
			return nil
		},
	}
}

// newConfigRoleCommand builds "enable" or "disable". Re-enabling a role
// after a fallback is the only way its preferred provider is tried again.
func newConfigRoleCommand(state engine.UnitState) *cobra.Command {
	verb := "enable"
	if state == engine.UnitDisabled {
		verb = "disable"
	}

	return &cobra.Command{
		Use:   verb + " <role>...",
		Short: fmt.Sprintf("%s the preferred provider of execution unit roles", verb),
		Long: fmt.Sprintf(`Mark roles %s in the execution settings and persist them.

Roles: primary, coproc-a, coproc-b, vu0, vu1.`, state),
		Example: fmt.Sprintf(`  emuhost config %s vu1
  emuhost config %s primary coproc-a`, verb, verb),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := make([]engine.Role, 0, len(args))
			for _, arg := range args {
				role, err := engine.ParseRole(arg)
				if err != nil {
					return err
				}
				roles = append(roles, role)
			}

			ctx := cmd.Context()
			store, err := openSettings(ctx, false, nil)
			if err != nil {
				return err
			}

			store.Stage(func(s *config.Settings) {
				for _, role := range roles {
					s.Execution[string(role)] = string(state)
				}
			})
			if err := store.ApplySettings(ctx); err != nil {
				return err
			}

			log.Info().Strs("roles", args).Str("state", string(state)).Msg("Execution settings updated")
			fmt.Fprintln(cmd.OutOrStdout(), store.ExecutionConfig().String())
			return nil
		},
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/burattino/pkg/config"
	"github.com/go-go-golems/burattino/pkg/history"
	"github.com/go-go-golems/burattino/pkg/transcript"
)

func newHistoryCommand(v *viper.Viper, settings **config.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the agent's session logs offline",
	}
	cmd.PersistentFlags().String("root", "", "session log root directory")
	cmd.PersistentFlags().Bool("json", false, "emit JSON instead of text")
	_ = v.BindPFlag("history.root", cmd.PersistentFlags().Lookup("root"))

	openStore := func() (*history.Store, error) {
		if *settings == nil {
			return nil, errors.New("settings not loaded")
		}
		return history.NewStore((*settings).History.Root)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects, or a project's conversations newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			project, _ := cmd.Flags().GetString("project")
			project = strings.TrimSpace(project)

			if project == "" {
				projects, err := store.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(projects)
				}
				for _, p := range projects {
					fmt.Printf("%s\t%d conversations\n", p.Name, p.Conversations)
				}
				return nil
			}

			conversations, err := store.ListConversations(cmd.Context(), project)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(conversations)
			}
			for _, c := range conversations {
				fmt.Printf("%s\t%s\t%d messages\t%s\n",
					c.SessionID,
					c.StartedAt.Format("2006-01-02 15:04:05"),
					c.MessageCount,
					c.FirstPrompt)
			}
			return nil
		},
	}
	list.Flags().String("project", "", "encoded project directory name")

	show := &cobra.Command{
		Use:   "show <sessionID>",
		Short: "Reconstruct one conversation's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			project, _ := cmd.Flags().GetString("project")
			project = strings.TrimSpace(project)
			if project == "" {
				return errors.New("--project is required")
			}
			conv, err := store.GetConversation(cmd.Context(), project, args[0])
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				return printJSON(conv)
			}
			printConversation(conv)
			return nil
		},
	}
	show.Flags().String("project", "", "encoded project directory name")

	cmd.AddCommand(list, show)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printConversation(conv *history.Conversation) {
	fmt.Printf("session %s (started %s)\n", conv.SessionID, conv.StartedAt.Format("2006-01-02 15:04:05"))
	for _, ex := range conv.Exchanges {
		if ex.Prompt != "" {
			fmt.Printf("\n> %s\n", ex.Prompt)
		}
		for _, seg := range ex.Segments {
			switch seg.Kind {
			case transcript.SegmentKindTool:
				fmt.Printf("\n[tool %s %s] %s\n", seg.ToolName, seg.ToolID, string(seg.ToolInput))
			default:
				fmt.Printf("\n%s\n", seg.Text)
			}
		}
	}
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/huddle/internal/chat"
	"github.com/tOgg1/huddle/internal/models"
)

func newSendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <broadcast|user> [message]",
		Short: "Send a message",
		Long:  "Send a message to the broadcast channel or to one user. The body is read from stdin when omitted.",
		Args:  argsRange(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, a, args)
		},
	}
	cmd.Flags().StringP("file", "f", "", "read the message body from a file")
	cmd.Flags().Bool("json", false, "Output as JSON")
	return cmd
}

func runSend(cmd *cobra.Command, a *app, args []string) error {
	ctx := cmd.Context()

	bodyArg := ""
	if len(args) > 1 {
		bodyArg = args[1]
	}
	filePath, _ := cmd.Flags().GetString("file")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	body, err := resolveSendBody(cmd, bodyArg, filePath)
	if err != nil {
		return err
	}

	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	me, err := a.localUser(ctx, rt)
	if err != nil {
		return err
	}
	conv, err := conversationArg(ctx, rt, args[0])
	if err != nil {
		return err
	}

	session, done, err := rt.session(ctx, me.ID, false)
	if err != nil {
		return err
	}
	defer done()

	if err := session.SelectConversation(ctx, conv); err != nil {
		if errors.Is(err, chat.ErrUnknownCounterparty) {
			return Exitf(ExitCodeFailure, "cannot message %s", args[0])
		}
		return Exitf(ExitCodeFailure, "open conversation: %v", err)
	}

	msg, err := session.Send(ctx, body)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyBody) {
			return usageError(cmd, "message body is required")
		}
		return Exitf(ExitCodeFailure, "send: %v", err)
	}
	a.saveConversation(me.ID, conv)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), messageView(msg, session.DisplayName))
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
	return nil
}

func resolveSendBody(cmd *cobra.Command, bodyArg, filePath string) (string, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath != "" && strings.TrimSpace(bodyArg) != "" {
		return "", usageError(cmd, "provide either a message argument or --file, not both")
	}

	var raw string
	switch {
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", Exitf(ExitCodeFailure, "read file: %v", err)
		}
		raw = string(data)
	case strings.TrimSpace(bodyArg) != "":
		raw = bodyArg
	default:
		data, err := readStdinIfPiped(cmd)
		if err != nil {
			return "", Exitf(ExitCodeFailure, "read stdin: %v", err)
		}
		raw = data
	}

	raw = strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return "", usageError(cmd, "message body is required")
	}
	if len(raw) > models.MaxBodyLength {
		return "", Exitf(ExitCodeFailure, "message exceeds %d bytes", models.MaxBodyLength)
	}
	return raw, nil
}

// readStdinIfPiped returns stdin when it is not a terminal.
func readStdinIfPiped(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

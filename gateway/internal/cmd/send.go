package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/pkg/agentclient"
	"github.com/Dharshan-K/medplum/pkg/hl7"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Connect as an agent, transmit one message and print the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSend,
	}
	cmd.Flags().String("url", "ws://localhost:8103/ws/agent", "agent endpoint URL")
	cmd.Flags().String("token", "", "access token (required)")
	cmd.Flags().String("agent", "", "Agent resource ID (required)")
	cmd.Flags().String("bot", "", "Bot resource ID (required)")
	cmd.Flags().StringP("file", "f", "", "read an HL7 v2 message from file")
	cmd.Flags().String("forwarded-for", "", "original sender address")
	cmd.Flags().Duration("timeout", 30*time.Second, "overall timeout")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("bot")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	agentID, _ := cmd.Flags().GetString("agent")
	botID, _ := cmd.Flags().GetString("bot")
	file, _ := cmd.Flags().GetString("file")
	forwardedFor, _ := cmd.Flags().GetString("forwarded-for")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	insecure, _ := cmd.Flags().GetBool("insecure")

	message, err := sendPayload(args, file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := agentclient.Dial(ctx, url, agentclient.Options{TLSSkipVerify: insecure})
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Handshake(ctx, token, agentID, botID); err != nil {
		return err
	}
	if err := c.Transmit(message, forwardedFor); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	for {
		out, err := c.Next(ctx)
		if err != nil {
			return err
		}
		switch out.Type {
		case protocol.TypeError:
			return &agentclient.RemoteError{Message: out.MessageString()}
		case protocol.TypeTransmit:
			printf(cmd.OutOrStdout(), "%s\n", printable(out.MessageString()))
			return nil
		}
	}
}

// sendPayload returns the message from the positional argument or, for
// --file, the parsed HL7 message with CR segment separators.
func sendPayload(args []string, file string) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("give either a message argument or --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read message: %w", err)
		}
		msg, err := hl7.Parse(string(data))
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", file, err)
		}
		return msg.ToString(), nil
	case len(args) > 0:
		return args[0], nil
	default:
		return "", fmt.Errorf("no message: give a message argument or --file")
	}
}

// printable turns CR segment separators into newlines for the terminal.
func printable(s string) string {
	return strings.ReplaceAll(s, "\r", "\n")
}

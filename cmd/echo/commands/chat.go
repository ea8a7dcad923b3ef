package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcapi "github.com/AporiaLabs/echo/coreengine/grpc"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
)

type clientFlags struct {
	addr    string
	agentID string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "localhost:50051", "gRPC address of a running echo serve")
	cmd.Flags().StringVar(&f.agentID, "agent", "echo", "agent id")
}

func (f *clientFlags) dial() (*grpcapi.Client, func() error, error) {
	conn, err := grpc.NewClient(f.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return grpcapi.NewClient(conn), conn.Close, nil
}

func newChatCmd() *cobra.Command {
	var (
		flags  clientFlags
		userID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeConn, err := flags.dial()
			if err != nil {
				return printError(cmd.ErrOrStderr(), "Cannot connect to echo", err.Error())
			}
			defer closeConn()

			if userID == "" {
				userID = "cli-" + uuid.NewString()[:8]
			}
			return runChat(cmd.Context(), client, flags.agentID, userID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&userID, "user", "", "user id (default: random per session)")
	return cmd
}

// runChat reads one message per line from in until EOF or "/quit".
// Failed turns are reported and the session continues.
func runChat(ctx context.Context, client *grpcapi.Client, agentID, userID string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Chatting with %s as %s. Type /quit to exit.\n", agentID, userID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := client.Process(ctx, grpcapi.ProcessRequest{
			AgentID: agentID,
			UserID:  userID,
			Text:    line,
			Source:  string(pipeline.SourceNetwork),
		})
		switch {
		case err != nil:
			printWarning(out, "%s", status.Convert(err).Message())
		case reply.Status == pipeline.StatusNoResponse:
			printWarning(out, "%s did not respond", agentID)
		default:
			printAgent(out, agentID, reply.Text)
		}
	}
}

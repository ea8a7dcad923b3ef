package commands

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/AporiaLabs/echo/coreengine/channels"
	grpcapi "github.com/AporiaLabs/echo/coreengine/grpc"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/routes"
)

func newPostCmd() *cobra.Command {
	var (
		flags  clientFlags
		maxLen int
	)
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Generate one timeline post and print it as thread chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeConn, err := flags.dial()
			if err != nil {
				return printError(cmd.ErrOrStderr(), "Cannot connect to echo", err.Error())
			}
			defer closeConn()

			if _, err := runPost(cmd.Context(), client, flags.agentID, maxLen, cmd.OutOrStdout()); err != nil {
				return printError(cmd.ErrOrStderr(), "Post generation failed", status.Convert(err).Message())
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxLen, "max-len", channels.DefaultMaxPostLen, "maximum characters per chunk")
	return cmd
}

// runPost sends the create-post system message as the scheduler would and
// prints the result split into chunks.
func runPost(ctx context.Context, client *grpcapi.Client, agentID string, maxLen int, out io.Writer) ([]string, error) {
	reply, err := client.Process(ctx, grpcapi.ProcessRequest{
		AgentID:   agentID,
		UserID:    channels.DefaultPostUserID,
		Text:      routes.CreatePostMessage,
		MessageID: uuid.NewString(),
		Source:    string(pipeline.SourceScheduler),
	})
	if err != nil {
		return nil, err
	}

	chunks := channels.SplitPost(reply.Text, maxLen)
	if len(chunks) == 0 {
		return nil, errors.New("agent produced an empty post")
	}
	for i, chunk := range chunks {
		printChunk(out, i+1, len(chunks), chunk)
	}
	return chunks, nil
}

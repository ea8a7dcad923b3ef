package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AporiaLabs/echo/coreengine/framework"
	"github.com/AporiaLabs/echo/coreengine/pipeline"
	"github.com/AporiaLabs/echo/coreengine/queue"
)

// =============================================================================
// MESSAGES
// =============================================================================

// ProcessRequest is the Process payload. Field names on the wire are
// snake_case keys of the Struct.
type ProcessRequest struct {
	AgentID   string
	UserID    string
	RoomID    string
	Text      string
	ImageURLs []string
	MessageID string
	Source    string
}

// ProcessReply is the Process result.
type ProcessReply struct {
	Status string
	Text   string
}

// StatsReply is the Stats result.
type StatsReply struct {
	Agents []string
	Queues []queue.Stats
}

func (r ProcessRequest) toStruct() (*structpb.Struct, error) {
	urls := make([]any, len(r.ImageURLs))
	for i, u := range r.ImageURLs {
		urls[i] = u
	}
	return structpb.NewStruct(map[string]any{
		"agent_id":   r.AgentID,
		"user_id":    r.UserID,
		"room_id":    r.RoomID,
		"text":       r.Text,
		"image_urls": urls,
		"message_id": r.MessageID,
		"source":     r.Source,
	})
}

func processRequestFrom(s *structpb.Struct) ProcessRequest {
	f := s.GetFields()
	req := ProcessRequest{
		AgentID:   f["agent_id"].GetStringValue(),
		UserID:    f["user_id"].GetStringValue(),
		RoomID:    f["room_id"].GetStringValue(),
		Text:      f["text"].GetStringValue(),
		MessageID: f["message_id"].GetStringValue(),
		Source:    f["source"].GetStringValue(),
	}
	for _, v := range f["image_urls"].GetListValue().GetValues() {
		if u := v.GetStringValue(); u != "" {
			req.ImageURLs = append(req.ImageURLs, u)
		}
	}
	return req
}

// input converts the request to a pipeline input. Source defaults to network.
func (r ProcessRequest) input() pipeline.Input {
	source := pipeline.InputSource(r.Source)
	if source == "" {
		source = pipeline.SourceNetwork
	}
	return pipeline.Input{
		Source:    source,
		UserID:    r.UserID,
		RoomID:    r.RoomID,
		Text:      r.Text,
		ImageURLs: r.ImageURLs,
		MessageID: r.MessageID,
	}
}

func (r ProcessReply) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"status": r.Status,
		"text":   r.Text,
	})
}

func processReplyFrom(s *structpb.Struct) ProcessReply {
	f := s.GetFields()
	return ProcessReply{
		Status: f["status"].GetStringValue(),
		Text:   f["text"].GetStringValue(),
	}
}

func (r StatsReply) toStruct() (*structpb.Struct, error) {
	agents := make([]any, len(r.Agents))
	for i, a := range r.Agents {
		agents[i] = a
	}
	queues := make([]any, len(r.Queues))
	for i, q := range r.Queues {
		queues[i] = map[string]any{
			"name":      q.Name,
			"pending":   q.Pending,
			"running":   q.Running,
			"enqueued":  float64(q.Enqueued),
			"completed": float64(q.Completed),
			"failed":    float64(q.Failed),
		}
	}
	return structpb.NewStruct(map[string]any{
		"agents": agents,
		"queues": queues,
	})
}

func statsReplyFrom(s *structpb.Struct) StatsReply {
	f := s.GetFields()
	var reply StatsReply
	for _, v := range f["agents"].GetListValue().GetValues() {
		reply.Agents = append(reply.Agents, v.GetStringValue())
	}
	for _, v := range f["queues"].GetListValue().GetValues() {
		q := v.GetStructValue().GetFields()
		reply.Queues = append(reply.Queues, queue.Stats{
			Name:      q["name"].GetStringValue(),
			Pending:   int(q["pending"].GetNumberValue()),
			Running:   q["running"].GetBoolValue(),
			Enqueued:  uint64(q["enqueued"].GetNumberValue()),
			Completed: uint64(q["completed"].GetNumberValue()),
			Failed:    uint64(q["failed"].GetNumberValue()),
		})
	}
	return reply
}

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired returns InvalidArgument if field is empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
	}
	return nil
}

// =============================================================================
// ERROR CODES
// =============================================================================

// toStatus maps engine errors to gRPC status errors. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, framework.ErrAgentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, pipeline.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

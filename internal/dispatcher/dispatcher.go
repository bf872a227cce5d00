// Package dispatcher implements the RPC-style work-queue that decouples the
// stateless HTTP front-end from the pool of stateful embedding workers: a
// Client publishes (command, args) with a correlation id and a private reply
// topic, and a Worker executes commands from the job topic and publishes
// results back. Grounded in the teacher's internal/notifications KafkaBroker
// publish/consume shape, generalized from pub/sub events to a
// request/response call with per-message reply routing.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/lklic/idios/internal/apierr"
)

// JobTopic is the shared queue every dispatcher Client publishes calls to,
// and every Worker consumes from.
const JobTopic = "idios_rpc_queue"

// callTimeout bounds how long a Client waits for a reply before giving up.
const callTimeout = 10 * time.Second

// job is the wire envelope published to JobTopic.
type job struct {
	Command       string          `json:"command"`
	Args          json.RawMessage `json:"args"`
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       string          `json:"reply_to"`
}

// reply is the wire envelope a Worker publishes to a call's reply topic.
// Exactly one of Result or ExceptionType is set.
type reply struct {
	CorrelationID string          `json:"correlation_id"`
	Result        json.RawMessage `json:"result,omitempty"`
	ExceptionType string          `json:"exception_type,omitempty"`
	ExceptionArgs []string        `json:"exception_args,omitempty"`
}

// Client issues dispatcher calls. A Client is not safe for concurrent reuse
// (each in-flight call opens its own reply-topic reader, mirroring the
// single-broker-connection-per-call model the teacher's notification
// producers use); callers should open one Client per request.
type Client struct {
	brokers []string
}

// NewClient builds a Client publishing to and reading from the given Kafka
// brokers.
func NewClient(brokers []string) *Client {
	return &Client{brokers: brokers}
}

// Call publishes (command, args) to the job topic and blocks for up to 10
// seconds for a correlated reply, JSON-decoding the result into out (a
// pointer) on success.
func (c *Client) Call(ctx context.Context, command string, args any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	correlationID := uuid.New().String()
	replyTopic := "idios_reply_" + correlationID

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return apierr.ServerError("dispatcher: encoding call args: %v", err)
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(c.brokers...),
		Balancer: &kafka.LeastBytes{},
		Async:    false,
	}
	defer writer.Close()

	envelope := job{Command: command, Args: argsJSON, CorrelationID: correlationID, ReplyTo: replyTopic}
	body, err := json.Marshal(envelope)
	if err != nil {
		return apierr.ServerError("dispatcher: encoding job envelope: %v", err)
	}

	if err := writer.WriteMessages(ctx, kafka.Message{Topic: JobTopic, Key: []byte(correlationID), Value: body}); err != nil {
		return apierr.ServerError("dispatcher: publishing call: %v", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    replyTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  200 * time.Millisecond,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return apierr.ServerError("No response (timeout?)")
			}
			return apierr.ServerError("dispatcher: reading reply: %v", err)
		}

		var r reply
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			continue
		}
		if r.CorrelationID != correlationID {
			continue
		}
		return decodeReply(r, out)
	}
}

// decodeReply turns a reply envelope into either a decoded result or a
// reconstructed *apierr.Error, mapping exception_type the same way the
// client side of any RPC exception-propagation boundary would: a recognized
// parameter_error kind maps back to KindParameter, anything else to
// KindServer.
func decodeReply(r reply, out any) error {
	if r.ExceptionType != "" {
		msg := r.ExceptionType
		if len(r.ExceptionArgs) > 0 {
			msg = r.ExceptionArgs[0]
		}
		if r.ExceptionType == string(apierr.KindParameter) {
			return apierr.ParameterError("%s", msg)
		}
		return apierr.ServerError("%s", msg)
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return apierr.ServerError("dispatcher: decoding result: %v", err)
	}
	return nil
}

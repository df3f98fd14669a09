// Package cloudqueue implements the queue.Interface contract over an AWS
// SQS-compatible managed queue: queue-by-name lookup with auto-create,
// delay/visibility-timeout clamping, long-poll receive, and auto-refreshing
// assumed-role credentials.
package cloudqueue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/jaymon-go/morp/pkg/codec"
	"github.com/jaymon-go/morp/pkg/connection"
	"github.com/jaymon-go/morp/pkg/morperr"
	"github.com/jaymon-go/morp/pkg/queue"
	"github.com/jaymon-go/morp/pkg/telemetry"
)

const (
	maxSendDelaySeconds       = 900
	maxLongPollWaitSeconds    = 20
	defaultMaxVisibilitySecs  = 43200 // 12 hours
)

// sqsClient is the subset of *sqs.Client this package uses, so tests can
// substitute a fake.
type sqsClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// Engine implements queue.Interface over AWS SQS.
type Engine struct {
	cfg    *connection.Config
	logger telemetry.Logger

	newClient func(ctx context.Context) (sqsClient, error)

	mu       sync.Mutex
	client   sqsClient
	queueURL map[string]string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClientFactory overrides how the engine builds its SQS client,
// primarily so tests can inject a fake without real AWS credentials.
func WithClientFactory(f func(ctx context.Context) (sqsClient, error)) Option {
	return func(e *Engine) { e.newClient = f }
}

// New builds an Engine from a parsed connection. credentials, if non-nil,
// is used as the AWS CredentialsProvider (e.g. an aws.CredentialsCache
// wrapping an assumed-role provider so tokens refresh transparently); a nil
// value falls back to the SDK's default provider chain.
func New(cfg *connection.Config, credentials aws.CredentialsProvider, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   telemetry.Nop(),
		queueURL: map[string]string{},
	}
	e.newClient = func(ctx context.Context) (sqsClient, error) {
		return buildClient(ctx, cfg, credentials)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client, err := e.newClient(ctx)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "cloudqueue.connect", err)
	}
	e.client = client
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = nil
	return nil
}

func (e *Engine) clientOrErr() (sqsClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, morperr.Wrap(morperr.KindConfiguration, "cloudqueue", fmt.Errorf("not connected"))
	}
	return e.client, nil
}

func (e *Engine) urlFor(ctx context.Context, client sqsClient, queueName string) (string, error) {
	e.mu.Lock()
	if url, ok := e.queueURL[queueName]; ok {
		e.mu.Unlock()
		return url, nil
	}
	e.mu.Unlock()

	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err == nil {
		e.cacheURL(queueName, *out.QueueUrl)
		return *out.QueueUrl, nil
	}
	return "", err
}

func (e *Engine) cacheURL(queueName, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueURL[queueName] = url
}

func (e *Engine) createQueue(ctx context.Context, client sqsClient, queueName string) (string, error) {
	visibility := e.cfg.MaxTimeout
	if visibility > defaultMaxVisibilitySecs {
		visibility = defaultMaxVisibilitySecs
	}
	attrs := map[string]string{
		string(types.QueueAttributeNameVisibilityTimeout): strconv.Itoa(visibility),
	}
	for k, v := range e.cfg.PassthroughOptions() {
		attrs[k] = v
	}

	out, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(queueName),
		Attributes: attrs,
	})
	if err != nil {
		return "", err
	}
	e.cacheURL(queueName, *out.QueueUrl)
	return *out.QueueUrl, nil
}

func clampDelay(seconds int, logger telemetry.Logger) int32 {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxSendDelaySeconds {
		logger.Warn("cloudqueue: delay_seconds clamped to backend maximum", map[string]any{
			"requested": seconds, "clamped": maxSendDelaySeconds,
		})
		seconds = maxSendDelaySeconds
	}
	return int32(seconds)
}

func clampWait(seconds int, logger telemetry.Logger) int32 {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxLongPollWaitSeconds {
		logger.Warn("cloudqueue: wait time clamped to backend maximum", map[string]any{
			"requested": seconds, "clamped": maxLongPollWaitSeconds,
		})
		seconds = maxLongPollWaitSeconds
	}
	return int32(seconds)
}

// clampVisibility bounds a release delay to SQS's visibility-timeout
// ceiling (12 hours), distinct from clampDelay's 900-second send-delay
// ceiling: Release changes an in-flight message's visibility timeout, not
// its send delay, so the two must not share a clamp.
func clampVisibility(seconds int, logger telemetry.Logger) int32 {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > defaultMaxVisibilitySecs {
		logger.Warn("cloudqueue: visibility timeout clamped to backend maximum", map[string]any{
			"requested": seconds, "clamped": defaultMaxVisibilitySecs,
		})
		seconds = defaultMaxVisibilitySecs
	}
	return int32(seconds)
}

func (e *Engine) Send(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) (string, error) {
	client, err := e.clientOrErr()
	if err != nil {
		return "", err
	}

	url, err := e.urlFor(ctx, client, queueName)
	if err != nil {
		url, err = e.createQueue(ctx, client, queueName)
		if err != nil {
			return "", morperr.Wrap(morperr.KindTransient, "cloudqueue.send", err)
		}
	}

	body, err := codec.Encode(toCodecFields(fields), e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		return "", morperr.Wrap(morperr.KindDecode, "cloudqueue.send", err)
	}
	encoded := base64.StdEncoding.EncodeToString(body)

	out, err := client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(encoded),
		DelaySeconds: clampDelay(delaySeconds, e.logger),
	})
	if err != nil {
		return "", morperr.Wrap(morperr.KindTransient, "cloudqueue.send", err)
	}
	return *out.MessageId, nil
}

func (e *Engine) Recv(ctx context.Context, queueName string, timeoutSeconds int) (queue.Fields, error) {
	client, err := e.clientOrErr()
	if err != nil {
		return nil, err
	}
	url, err := e.urlFor(ctx, client, queueName)
	if err != nil {
		return nil, nil
	}

	out, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             clampWait(timeoutSeconds, e.logger),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, morperr.Wrap(morperr.KindTransient, "cloudqueue.recv", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]

	raw, err := base64.StdEncoding.DecodeString(aws.ToString(msg.Body))
	if err != nil {
		return nil, morperr.Wrap(morperr.KindDecode, "cloudqueue.recv", err)
	}
	decoded, err := codec.Decode(raw, e.cfg.Serializer, e.cfg.Key)
	if err != nil {
		return nil, morperr.Wrap(morperr.KindDecode, "cloudqueue.recv", err)
	}

	count := 1
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}

	fields := fromCodecFields(decoded)
	fields[queue.MetaID] = aws.ToString(msg.MessageId)
	fields[queue.MetaCount] = count
	fields[queue.MetaRaw] = rawHandle{queueURL: url, receiptHandle: aws.ToString(msg.ReceiptHandle)}
	return fields, nil
}

// rawHandle is the backend-private handle ack/release use to address a
// specific in-flight delivery: SQS requires the receipt handle from the
// exact Receive call, not the message id.
type rawHandle struct {
	queueURL      string
	receiptHandle string
}

func resolveRaw(fields queue.Fields) (rawHandle, error) {
	raw, ok := fields[queue.MetaRaw].(rawHandle)
	if !ok {
		return rawHandle{}, fmt.Errorf("fields missing receipt handle; ack/release must use the value returned by Recv")
	}
	return raw, nil
}

func (e *Engine) Ack(ctx context.Context, queueName string, fields queue.Fields) error {
	client, err := e.clientOrErr()
	if err != nil {
		return err
	}
	raw, err := resolveRaw(fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "cloudqueue.ack", err)
	}
	_, err = client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(raw.queueURL),
		ReceiptHandle: aws.String(raw.receiptHandle),
	})
	if err != nil {
		return morperr.Wrap(morperr.KindTransient, "cloudqueue.ack", err)
	}
	return nil
}

func (e *Engine) Release(ctx context.Context, queueName string, fields queue.Fields, delaySeconds int) error {
	client, err := e.clientOrErr()
	if err != nil {
		return err
	}
	raw, err := resolveRaw(fields)
	if err != nil {
		return morperr.Wrap(morperr.KindConfiguration, "cloudqueue.release", err)
	}
	if delaySeconds == 0 && fields.Count() > 0 {
		delaySeconds = queue.Backoff(e.cfg, fields.Count())
	}
	visibility := clampVisibility(delaySeconds, e.logger)

	_, err = client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(raw.queueURL),
		ReceiptHandle:     aws.String(raw.receiptHandle),
		VisibilityTimeout: visibility,
	})
	if err != nil {
		return morperr.Wrap(morperr.KindTransient, "cloudqueue.release", err)
	}
	return nil
}

func (e *Engine) Count(ctx context.Context, queueName string) (int, error) {
	client, err := e.clientOrErr()
	if err != nil {
		return 0, err
	}
	url, err := e.urlFor(ctx, client, queueName)
	if err != nil {
		return 0, nil
	}
	out, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, morperr.Wrap(morperr.KindTransient, "cloudqueue.count", err)
	}
	n, _ := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	return n, nil
}

func (e *Engine) UnsafeClear(ctx context.Context, queueName string) error {
	// SQS has no table-truncate equivalent cheaper than repeated receive
	// loops; morp treats clear as a delete of the whole queue, which the
	// next Send recreates through auto-provisioning. This keeps the
	// "idempotent when the queue does not exist" contract, but unlike the
	// other engines the queue itself is gone until then, and any
	// backend-specific attributes set outside morp are lost.
	return e.UnsafeDelete(ctx, queueName)
}

func (e *Engine) UnsafeDelete(ctx context.Context, queueName string) error {
	client, err := e.clientOrErr()
	if err != nil {
		return err
	}
	url, err := e.urlFor(ctx, client, queueName)
	if err != nil {
		return nil
	}
	if _, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
		return morperr.Wrap(morperr.KindTransient, "cloudqueue.unsafe_delete", err)
	}
	e.mu.Lock()
	delete(e.queueURL, queueName)
	e.mu.Unlock()
	return nil
}

func toCodecFields(f queue.Fields) codec.Fields {
	out := make(codec.Fields, len(f))
	for k, v := range f {
		if len(k) > 0 && k[0] == '_' && k != queue.MetaClasspath {
			continue
		}
		out[k] = v
	}
	return out
}

func fromCodecFields(f codec.Fields) queue.Fields {
	out := make(queue.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

var _ queue.Interface = (*Engine)(nil)

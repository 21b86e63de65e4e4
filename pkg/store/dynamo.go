package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skPrefixTurn = "TURN#"
	skSummary    = "SUMMARY#"
	defaultTTL   = 30 * 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Dynamo.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Dynamo stores turns and summaries in a single table keyed by PK/SK, with a
// TTL attribute for expiry.
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamo(api dynamodbAPI, tableName string, ttl time.Duration) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Dynamo{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func callPK(callID string) string {
	return "CALL#" + callID
}

// turnSK zero-pads the sequence so SK order is turn order.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%06d", skPrefixTurn, seq)
}

func (d *Dynamo) ttlValue() string {
	return strconv.FormatInt(d.now().Add(d.ttl).Unix(), 10)
}

// SaveTurn writes one turn. Rewriting an existing turn is a no-op.
func (d *Dynamo) SaveTurn(ctx context.Context, turn Turn) error {
	if strings.TrimSpace(turn.CallID) == "" {
		return errors.New("store: SaveTurn: call id is required")
	}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.turnItem(turn),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("store: SaveTurn: %w", err)
	}
	return nil
}

// SaveSummary writes the call summary once; a second write is ignored.
func (d *Dynamo) SaveSummary(ctx context.Context, summary Summary) error {
	if strings.TrimSpace(summary.CallID) == "" {
		return errors.New("store: SaveSummary: call id is required")
	}
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                d.summaryItem(summary),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("store: SaveSummary: %w", err)
	}
	return nil
}

// LoadTurns returns the persisted turns of a call in order.
func (d *Dynamo) LoadTurns(ctx context.Context, callID string) ([]Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: callPK(callID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
	}
	var turns []Turn
	for {
		out, err := d.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("store: LoadTurns query: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("store: LoadTurns unmarshal: %w", err)
			}
			turns = append(turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (d *Dynamo) turnItem(turn Turn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: callPK(turn.CallID)},
		"SK":        &types.AttributeValueMemberS{Value: turnSK(turn.Seq)},
		"callId":    &types.AttributeValueMemberS{Value: turn.CallID},
		"seq":       &types.AttributeValueMemberN{Value: strconv.Itoa(turn.Seq)},
		"user":      &types.AttributeValueMemberS{Value: turn.User},
		"assistant": &types.AttributeValueMemberS{Value: turn.Assistant},
		"fallback":  &types.AttributeValueMemberBOOL{Value: turn.Fallback},
		"latencyMs": &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.LatencyMs, 10)},
		"at":        &types.AttributeValueMemberS{Value: turn.At.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: d.ttlValue()},
	}
	if turn.Reason != "" {
		item["reason"] = &types.AttributeValueMemberS{Value: turn.Reason}
	}
	return item
}

func (d *Dynamo) summaryItem(s Summary) map[string]types.AttributeValue {
	num := func(v int64) types.AttributeValue {
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
	}
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: callPK(s.CallID)},
		"SK":            &types.AttributeValueMemberS{Value: skSummary},
		"callId":        &types.AttributeValueMemberS{Value: s.CallID},
		"traceId":       &types.AttributeValueMemberS{Value: s.TraceID},
		"startedAt":     &types.AttributeValueMemberS{Value: s.StartedAt.UTC().Format(time.RFC3339Nano)},
		"endedAt":       &types.AttributeValueMemberS{Value: s.EndedAt.UTC().Format(time.RFC3339Nano)},
		"turns":         num(int64(s.Turns)),
		"fallbackTurns": num(int64(s.FallbackTurns)),
		"speakingMs":    num(s.SpeakingMs),
		"silenceMs":     num(s.SilenceMs),
		"avgResponseMs": num(s.AvgResponseMs),
		"maxResponseMs": num(s.MaxResponseMs),
		"closeReason":   &types.AttributeValueMemberS{Value: s.CloseReason},
		"ttl":           &types.AttributeValueMemberN{Value: d.ttlValue()},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (Turn, error) {
	callID, err := strAttr(item, "callId")
	if err != nil {
		return Turn{}, err
	}
	seq, err := intAttr(item, "seq")
	if err != nil {
		return Turn{}, err
	}
	user, _ := strAttr(item, "user")
	assistant, _ := strAttr(item, "assistant")
	reason, _ := strAttr(item, "reason")
	latency, _ := intAttr(item, "latencyMs")
	var at time.Time
	if raw, err := strAttr(item, "at"); err == nil {
		at, _ = time.Parse(time.RFC3339Nano, raw)
	}
	var fallback bool
	if v, ok := item["fallback"].(*types.AttributeValueMemberBOOL); ok {
		fallback = v.Value
	}
	return Turn{
		CallID:    callID,
		Seq:       seq,
		User:      user,
		Assistant: assistant,
		Fallback:  fallback,
		Reason:    reason,
		LatencyMs: int64(latency),
		At:        at,
	}, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

package webhook

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rkastur/pigeon/internal/notify"
)

// envelope is the channel-agnostic payload delivered to webhook targets.
// Struct field order makes the canonical JSON serialization deterministic,
// which keeps HMAC signatures stable for identical payloads.
type envelope struct {
	Notification envelopeNotification `json:"notification"`
	Recipient    *envelopeRecipient   `json:"recipient,omitempty"`
	Recipients   []envelopeRecipient  `json:"recipients,omitempty"`
	Batch        bool                 `json:"batch,omitempty"`
	BatchSize    int                  `json:"batchSize,omitempty"`
	Event        *notify.Event        `json:"event,omitempty"`
	Tracking     map[string]string    `json:"tracking,omitempty"`
	Attachments  []attachmentMeta     `json:"attachments,omitempty"`
}

type envelopeNotification struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Format    string    `json:"format"`
}

type envelopeRecipient struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// attachmentMeta carries attachment metadata only; binary content is
// never inlined into the signed payload.
type attachmentMeta struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

func buildEnvelope(id string, content notify.Content, recipients []notify.Recipient, event *notify.Event, tracking map[string]string) envelope {
	env := envelope{
		Notification: envelopeNotification{
			ID:        id,
			Timestamp: time.Now().UTC(),
			Title:     content.Title,
			Body:      content.Body,
			Format:    string(content.Format),
		},
		Event:    event,
		Tracking: tracking,
	}

	if len(recipients) == 1 {
		env.Recipient = &envelopeRecipient{ID: recipients[0].ID, Type: recipients[0].Type}
	} else {
		env.Recipients = make([]envelopeRecipient, len(recipients))
		for i, r := range recipients {
			env.Recipients[i] = envelopeRecipient{ID: r.ID, Type: r.Type}
		}
		env.Batch = true
		env.BatchSize = len(recipients)
	}

	for _, att := range content.Attachments {
		env.Attachments = append(env.Attachments, attachmentMeta{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size(),
		})
	}

	return env
}

// encodeForm flattens the canonical JSON envelope into form encoding with
// the parent[child] key convention; array elements are flattened by index.
func encodeForm(canonicalJSON []byte) (string, error) {
	var tree map[string]any
	if err := json.Unmarshal(canonicalJSON, &tree); err != nil {
		return "", fmt.Errorf("webhook: flattening payload: %w", err)
	}

	values := url.Values{}
	flattenInto(values, "", tree)
	return values.Encode(), nil
}

func flattenInto(values url.Values, prefix string, node any) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			flattenInto(values, joinKey(prefix, key), child)
		}
	case []any:
		for i, child := range v {
			flattenInto(values, joinKey(prefix, strconv.Itoa(i)), child)
		}
	case nil:
		values.Set(prefix, "")
	case bool:
		values.Set(prefix, strconv.FormatBool(v))
	case float64:
		values.Set(prefix, formatJSONNumber(v))
	default:
		values.Set(prefix, fmt.Sprintf("%v", v))
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}

func formatJSONNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// encodeXML renders the canonical JSON envelope as a minimal XML document:
// one tag per key, recursing into objects, repeating the tag for array
// elements, with standard XML character escaping. Keys are emitted in
// sorted order so output is deterministic.
func encodeXML(canonicalJSON []byte) (string, error) {
	var tree map[string]any
	if err := json.Unmarshal(canonicalJSON, &tree); err != nil {
		return "", fmt.Errorf("webhook: serializing payload to xml: %w", err)
	}

	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString("<notification>")
	writeXMLValue(&b, tree)
	b.WriteString("</notification>")
	return b.String(), nil
}

func writeXMLValue(b *strings.Builder, node any) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			writeXMLElement(b, key, v[key])
		}
	case []any:
		for _, child := range v {
			writeXMLElement(b, "item", child)
		}
	case nil:
		// empty element body
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case float64:
		b.WriteString(formatJSONNumber(v))
	case string:
		_ = xml.EscapeText(b, []byte(v))
	default:
		_ = xml.EscapeText(b, []byte(fmt.Sprintf("%v", v)))
	}
}

func writeXMLElement(b *strings.Builder, name string, value any) {
	b.WriteString("<")
	b.WriteString(name)
	b.WriteString(">")
	writeXMLValue(b, value)
	b.WriteString("</")
	b.WriteString(name)
	b.WriteString(">")
}

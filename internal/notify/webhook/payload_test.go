package webhook

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/rkastur/pigeon/internal/notify"
)

func TestBuildEnvelopeSingle(t *testing.T) {
	content := notify.Content{
		Title:  "Order shipped",
		Body:   "Your order is on the way",
		Format: notify.FormatText,
		Attachments: []notify.Attachment{
			{Filename: "label.pdf", ContentType: "application/pdf", Data: []byte("12345")},
		},
	}
	recipient := notify.Recipient{ID: "u1", Type: "user"}

	env := buildEnvelope("n-1", content, []notify.Recipient{recipient}, nil, map[string]string{"campaign": "c9"})

	if env.Recipient == nil || env.Recipient.ID != "u1" {
		t.Fatalf("single-recipient envelope must embed the recipient: %+v", env.Recipient)
	}
	if env.Batch || env.BatchSize != 0 || env.Recipients != nil {
		t.Error("single-recipient envelope must not carry batch fields")
	}
	if len(env.Attachments) != 1 || env.Attachments[0].Size != 5 {
		t.Errorf("attachment metadata = %+v, want size 5", env.Attachments)
	}
	if env.Tracking["campaign"] != "c9" {
		t.Error("tracking metadata not carried")
	}

	// binary attachment content must never reach the payload
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "12345") {
		t.Error("attachment bytes leaked into the payload")
	}
}

func TestBuildEnvelopeBatch(t *testing.T) {
	recipients := []notify.Recipient{
		{ID: "u1", Type: "user"},
		{ID: "u2", Type: "user"},
		{ID: "u3", Type: "group"},
	}

	env := buildEnvelope("n-1", notify.Content{Body: "hi"}, recipients, nil, nil)

	if !env.Batch || env.BatchSize != 3 {
		t.Errorf("batch=%v size=%d, want true/3", env.Batch, env.BatchSize)
	}
	if env.Recipient != nil {
		t.Error("batch envelope must not embed a single recipient")
	}
	if len(env.Recipients) != 3 || env.Recipients[2].Type != "group" {
		t.Errorf("recipients = %+v", env.Recipients)
	}
}

func TestEncodeForm(t *testing.T) {
	canonical := []byte(`{"notification":{"id":"n-1","body":"a b"},"batch":true,"recipients":[{"id":"u1"},{"id":"u2"}],"count":2}`)

	encoded, err := encodeForm(canonical)
	if err != nil {
		t.Fatalf("encodeForm: %v", err)
	}

	values, err := url.ParseQuery(encoded)
	if err != nil {
		t.Fatalf("output is not valid form encoding: %v", err)
	}

	tests := map[string]string{
		"notification[id]":   "n-1",
		"notification[body]": "a b",
		"batch":              "true",
		"recipients[0][id]":  "u1",
		"recipients[1][id]":  "u2",
		"count":              "2",
	}
	for key, want := range tests {
		if got := values.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestEncodeXML(t *testing.T) {
	canonical := []byte(`{"notification":{"id":"n-1","body":"a <b> & c"},"tags":["x","y"]}`)

	out, err := encodeXML(canonical)
	if err != nil {
		t.Fatalf("encodeXML: %v", err)
	}

	if !strings.HasPrefix(out, "<?xml") {
		t.Error("missing XML header")
	}
	for _, want := range []string{
		"<notification>",
		"<id>n-1</id>",
		"<body>a &lt;b&gt; &amp; c</body>",
		"<tags><item>x</item><item>y</item></tags>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestEncodeXMLDeterministic(t *testing.T) {
	canonical := []byte(`{"b":"2","a":"1","c":{"z":"9","a":"0"}}`)

	first, err := encodeXML(canonical)
	if err != nil {
		t.Fatalf("encodeXML: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := encodeXML(canonical)
		if err != nil {
			t.Fatalf("encodeXML: %v", err)
		}
		if next != first {
			t.Fatal("XML encoding is not deterministic")
		}
	}
}

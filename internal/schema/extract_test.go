package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rapportlabs/rapport/internal/fault"
)

func mustObject(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("extracted bytes are not a JSON object: %v\n%s", err, b)
	}
	return v
}

func TestExtract_Direct(t *testing.T) {
	b, err := Extract(`{"adv":"slow down","r":[["Hey!","direct_response"]]}`)
	if err != nil {
		t.Fatal(err)
	}
	v := mustObject(t, b)
	if v["adv"] != "slow down" {
		t.Errorf("adv = %v", v["adv"])
	}
}

func TestExtract_MarkdownFence(t *testing.T) {
	raw := "```json\n{\"replies\":[{\"text\":\"hi\",\"strategy\":\"s\"}]}\n```"
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mustObject(t, b)["replies"]; !ok {
		t.Error("replies key lost through fence stripping")
	}
}

func TestExtract_SmartQuotesAndTrailingComma(t *testing.T) {
	raw := `{“replies”: [{“text”: “hello”, “strategy”: “warm”},]}`
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	v := mustObject(t, b)
	replies := v["replies"].([]any)
	if replies[0].(map[string]any)["text"] != "hello" {
		t.Errorf("text mangled: %v", replies[0])
	}
}

func TestExtract_Comments(t *testing.T) {
	raw := `{
		// model commentary
		"adv": "be patient", /* inline */
		"r": [["ok","direct_response"]]
	}`
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if mustObject(t, b)["adv"] != "be patient" {
		t.Error("comment stripping broke the document")
	}
}

func TestExtract_Truncated(t *testing.T) {
	raw := `{"r": [["Sounds fun", "enthusiasm"`
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	v := mustObject(t, b)
	if _, ok := v["r"]; !ok {
		t.Error("truncated document not recovered")
	}
}

func TestExtract_SurroundingProse(t *testing.T) {
	raw := `Sure! Here is my suggestion:
{"replies":[{"text":"Want to grab coffee?","strategy":"invite"}]}
Hope this helps.`
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mustObject(t, b)["replies"]; !ok {
		t.Error("embedded object not found")
	}
}

func TestExtract_BraceInsideProse(t *testing.T) {
	// The first '{' belongs to prose; only the balanced scan finds the object.
	raw := `I thought about {this} a lot and decided: {"adv":"x","r":[["y","z"]]}`
	b, err := Extract(raw)
	if err != nil {
		t.Fatal(err)
	}
	if mustObject(t, b)["adv"] != "x" {
		t.Errorf("wrong object extracted: %s", b)
	}
}

func TestExtract_PlainTextWrap(t *testing.T) {
	b, err := Extract("Just say hi and ask about her day.")
	if err != nil {
		t.Fatal(err)
	}
	v := mustObject(t, b)
	replies := v["replies"].([]any)
	first := replies[0].(map[string]any)
	if first["text"] != "Just say hi and ask about her day." {
		t.Errorf("text = %v", first["text"])
	}
	if first["strategy"] != "direct_response" {
		t.Errorf("strategy = %v", first["strategy"])
	}
}

func TestExtract_LongGarbageFails(t *testing.T) {
	_, err := Extract(strings.Repeat("lorem ipsum ", 100))
	if err == nil {
		t.Fatal("expected error for long non-JSON output")
	}
	if !fault.Is(err, fault.KindReplyParseFailed) {
		t.Errorf("kind = %v, want reply_parse_failed", fault.KindOf(err))
	}
}

func TestExtract_Empty(t *testing.T) {
	if _, err := Extract("   "); err == nil {
		t.Fatal("expected error for blank output")
	}
}

func TestExtract_ScalarRejected(t *testing.T) {
	// Bare scalars parse as JSON but are useless; the wrap path should win.
	b, err := Extract(`42`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := mustObject(t, b)["replies"]; !ok {
		t.Error("scalar should fall through to the plain-text wrap")
	}
}

func TestRepair_Idempotent(t *testing.T) {
	valid := `{"a":1,"b":[true,"x"]}`
	if got := Repair(valid); got != valid {
		t.Errorf("Repair changed a valid document: %q", got)
	}
}

package repair

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRepair_DirectParseUntouched(t *testing.T) {
	res := Repair(`{"title": "Ash Harbor", "scenes": 12}`)
	if res.Fallback {
		t.Fatal("expected direct parse, got fallback")
	}
	if len(res.Applied) != 0 {
		t.Fatalf("expected no passes applied, got %v", res.Applied)
	}
	m := res.Value.(map[string]any)
	if m["title"] != "Ash Harbor" {
		t.Fatalf("title = %v", m["title"])
	}
}

func TestRepair_ApostropheSafety(t *testing.T) {
	// Natural-language apostrophes must round-trip unchanged.
	inputs := []string{
		`{"line": "can't stop now"}`,
		`{"line": "the keeper's lamp won't die"}`,
		`{line: "she said it's over",}`,
	}
	for _, in := range inputs {
		res := Repair(in)
		if res.Fallback {
			t.Fatalf("fallback for %q", in)
		}
		line := res.Value.(map[string]any)["line"].(string)
		want := map[string]string{
			`{"line": "can't stop now"}`:              "can't stop now",
			`{"line": "the keeper's lamp won't die"}`: "the keeper's lamp won't die",
			`{line: "she said it's over",}`:           "she said it's over",
		}[in]
		if line != want {
			t.Fatalf("apostrophe corrupted: got %q want %q", line, want)
		}
	}
}

func TestRepair_Idempotence(t *testing.T) {
	// repair(repair(x)) == repair(x) for inputs that parse after one pass.
	inputs := []string{
		`{"a": 1,}`,
		`{b: true}`,
		`{"c": True}`,
		`{"d": 2} // done`,
		"```json\n{\"e\": [1, 2]}\n```",
	}
	for _, in := range inputs {
		first := Repair(in)
		if first.Fallback {
			t.Fatalf("fallback for %q", in)
		}
		serialized, err := json.Marshal(first.Value)
		if err != nil {
			t.Fatal(err)
		}
		second := Repair(string(serialized))
		if diff := cmp.Diff(first.Value, second.Value); diff != "" {
			t.Fatalf("not idempotent for %q (-first +second):\n%s", in, diff)
		}
		if len(second.Applied) != 0 {
			t.Fatalf("second repair applied passes for %q: %v", in, second.Applied)
		}
	}
}

func TestRepair_StripComments(t *testing.T) {
	in := `{
		// scene list follows
		"scenes": ["dock", "storm"], /* two for now */
		# trailing note
		"done": false
	}`
	res := Repair(in)
	if res.Fallback {
		t.Fatal("fallback")
	}
	m := res.Value.(map[string]any)
	if m["done"] != false {
		t.Fatalf("done = %v", m["done"])
	}
	if got := m["scenes"].([]any); len(got) != 2 {
		t.Fatalf("scenes = %v", got)
	}
}

func TestRepair_CommentMarkersInsideStringsSurvive(t *testing.T) {
	res := Repair(`{"url": "http://example.com/a#b", "note": "half // of it"}`)
	if res.Fallback {
		t.Fatal("fallback")
	}
	m := res.Value.(map[string]any)
	if m["url"] != "http://example.com/a#b" {
		t.Fatalf("url = %v", m["url"])
	}
	if m["note"] != "half // of it" {
		t.Fatalf("note = %v", m["note"])
	}
}

func TestRepair_NormalizeLiterals(t *testing.T) {
	res := Repair(`{"draft": True, "final": False, "editor": None}`)
	if res.Fallback {
		t.Fatal("fallback")
	}
	m := res.Value.(map[string]any)
	if m["draft"] != true || m["final"] != false || m["editor"] != nil {
		t.Fatalf("literals not normalized: %v", m)
	}
}

func TestRepair_LiteralWordsInsideStringsSurvive(t *testing.T) {
	res := Repair(`{"quote": "None of this is True"}`)
	if res.Fallback {
		t.Fatal("fallback")
	}
	if got := res.Value.(map[string]any)["quote"]; got != "None of this is True" {
		t.Fatalf("string corrupted: %v", got)
	}
}

func TestRepair_TrailingSeparators(t *testing.T) {
	res := Repair(`{"list": [1, 2, 3,], "k": "v",}`)
	if res.Fallback {
		t.Fatal("fallback")
	}
	if got := res.Value.(map[string]any)["list"].([]any); len(got) != 3 {
		t.Fatalf("list = %v", got)
	}
}

func TestRepair_BareKeys(t *testing.T) {
	res := Repair(`{title: "Night Ferry", chapters: 3}`)
	if res.Fallback {
		t.Fatal("fallback")
	}
	m := res.Value.(map[string]any)
	if m["title"] != "Night Ferry" {
		t.Fatalf("title = %v", m["title"])
	}
	if m["chapters"] != float64(3) {
		t.Fatalf("chapters = %v", m["chapters"])
	}
}

func TestRepair_BracketCompletion(t *testing.T) {
	cases := map[string]string{
		`{"a": "truncated`:          "complete string + object",
		`{"a": 1, "b": [1, 2`:       "array + object",
		`[{"scene": "dock"}`:        "array of maps",
		`{"outer": {"inner": "deep`: "nested objects",
	}
	for in, desc := range cases {
		res := Repair(in)
		if res.Fallback {
			t.Fatalf("%s: fallback for %q", desc, in)
		}
	}
}

func TestRepair_FallbackWrapsRaw(t *testing.T) {
	in := "not even close to structured"
	res := Repair(in)
	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	m := res.Value.(map[string]any)
	if m[RawKey] != in {
		t.Fatalf("raw = %v", m[RawKey])
	}
}

func TestRepair_EmptyInputFallsBack(t *testing.T) {
	res := Repair("   \n  ")
	if !res.Fallback {
		t.Fatal("expected fallback for whitespace-only input")
	}
}

func TestPipeline_SchemaViolationReportedNotFatal(t *testing.T) {
	schema, err := CompileSchema(`{
		"type": "object",
		"required": ["title"],
		"properties": {"title": {"type": "string"}}
	}`)
	if err != nil {
		t.Fatal(err)
	}
	p := &Pipeline{Schema: schema}

	good := p.Repair(`{"title": "Ash Harbor"}`)
	if len(good.SchemaIssues) != 0 {
		t.Fatalf("unexpected schema issues: %v", good.SchemaIssues)
	}

	bad := p.Repair(`{"chapters": 3}`)
	if bad.Fallback {
		t.Fatal("schema violation must not cause fallback")
	}
	if len(bad.SchemaIssues) == 0 {
		t.Fatal("expected schema issues")
	}
}

func TestRepair_MarkdownFence(t *testing.T) {
	res := Repair("```json\n{\"key\": \"value\"}\n```")
	if res.Fallback {
		t.Fatal("fallback")
	}
	if got := res.Value.(map[string]any)["key"]; got != "value" {
		t.Fatalf("key = %v", got)
	}
}

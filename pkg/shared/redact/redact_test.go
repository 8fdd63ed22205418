package redact

import "testing"

func TestRedactMapMasksSensitiveKeys(t *testing.T) {
	in := map[string]string{"Token": "abc", "port": "5000", "body": `{"password":"p","user":"u"}`}
	out := RedactMap(in)
	if out["Token"] != "***" {
		t.Fatalf("token not masked: %q", out["Token"])
	}
	if out["port"] != "5000" {
		t.Fatalf("port changed: %q", out["port"])
	}
	if out["body"] != `{"password":"***","user":"u"}` {
		t.Fatalf("nested json not redacted: %q", out["body"])
	}
	if in["Token"] != "abc" {
		t.Fatalf("input mutated")
	}
}

func TestRedactMapNil(t *testing.T) {
	if RedactMap(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestRedactJSONInvalidPassesThrough(t *testing.T) {
	if got := RedactJSON("{not json"); got != "{not json" {
		t.Fatalf("unexpected: %q", got)
	}
}

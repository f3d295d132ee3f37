package transcript

import "testing"

func TestShortAnswersPass(t *testing.T) {
	for _, text := range []string{"no", "ok", "2", "yes", "b"} {
		v := Check(text, false)
		if v.Drop {
			t.Fatalf("valid short answer %q dropped: %+v", text, v)
		}
	}
}

func TestDrops(t *testing.T) {
	cases := []struct {
		text   string
		reason string
	}{
		{"", "empty"},
		{"   ", "empty"},
		{"um", "filler"},
		{"uh umm", "filler"},
		{"hmm...", "filler"},
		{"[noise]", "noise_tag"},
		{"(laughs)", "noise_tag"},
		{"<music>", "noise_tag"},
	}
	for _, c := range cases {
		v := Check(c.text, false)
		if !v.Drop {
			t.Fatalf("expected %q dropped", c.text)
		}
		if v.Reason != c.reason {
			t.Fatalf("%q: expected reason %s, got %s", c.text, c.reason, v.Reason)
		}
	}
}

func TestFillerMixedWithSpeechPasses(t *testing.T) {
	v := Check("um the answer is four", false)
	if v.Drop {
		t.Fatalf("filler followed by real speech must pass: %+v", v)
	}
}

func TestSessionEndedDropsEverything(t *testing.T) {
	v := Check("a perfectly good answer", true)
	if !v.Drop || v.Reason != "session_ended" {
		t.Fatalf("post-session fragments must drop: %+v", v)
	}
}

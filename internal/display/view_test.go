package display

import (
	"encoding/json"
	"testing"

	"github.com/loqalabs/loqa-intake/internal/extract"
)

func mustParse(t *testing.T, body string) extract.Result {
	t.Helper()
	res, err := extract.Parse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return res
}

func TestRenderFull(t *testing.T) {
	res := mustParse(t, `{"fullName":"Ann","age":30,"role":"Engineer","country":"Norway","skills":["Go","SQL"]}`)
	got := Render(res)
	want := Fields{FullName: "Ann", Age: "30", Role: "Engineer", Country: "Norway", Skills: "Go, SQL"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRenderNullsAndEmptySkills(t *testing.T) {
	res := mustParse(t, `{"fullName":null,"age":null,"role":null,"country":null,"skills":[]}`)
	got := Render(res)
	want := Fields{FullName: "null", Age: "null", Role: "null", Country: "null", Skills: ""}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestViewApply(t *testing.T) {
	v := InitialView()
	if v.StartEnabled || v.Visible[SpeakNow] || !v.Visible[StartButton] {
		t.Fatalf("unexpected initial view %+v", v)
	}
	enabled := true
	v.Apply(Update{
		SessionID:   "s1",
		State:       "listening",
		Show:        []Target{SpeakNow},
		Hide:        []Target{StartButton, InfoPanel},
		EnableStart: &enabled,
		Fields:      &Fields{FullName: "Ann"},
		Alert:       &Alert{Kind: "recognition", Message: "oops"},
	})
	if v.State != "listening" || v.SessionID != "s1" || !v.Visible[SpeakNow] || v.Visible[StartButton] || !v.StartEnabled {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.Fields.FullName != "Ann" || v.Alert == nil || v.Alert.Message != "oops" {
		t.Fatalf("expected fields and alert applied, got %+v", v)
	}

	clone := v.Clone()
	clone.Visible[SpeakNow] = false
	if !v.Visible[SpeakNow] {
		t.Fatal("clone must not share visibility map")
	}
}

func TestUpdateJSONUsesElementIDs(t *testing.T) {
	data, err := json.Marshal(Update{Show: []Target{Processing}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"show":["processing"]}` {
		t.Fatalf("unexpected encoding %s", data)
	}
	if !(Update{}).Empty() {
		t.Fatal("zero update must be empty")
	}
}

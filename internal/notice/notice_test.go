package notice

import (
	"errors"
	"testing"

	"mindhaven/pkg/interfaces"
	"mindhaven/pkg/types"
)

func TestLog_KeepsLatest(t *testing.T) {
	var _ interfaces.Notifier = NewLog(1)
	var _ interfaces.Notifier = Discard{}

	l := NewLog(2)
	l.Notify(types.Notice{Level: types.NoticeInfo, Text: "one"})
	l.Notify(types.Notice{Level: types.NoticeWarning, Text: "two"})
	l.Notify(types.Notice{Level: types.NoticeError, Text: "three", Err: errors.New("boom")})

	recent := l.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 notices, got %d", len(recent))
	}
	if recent[0].Text != "two" || recent[1].Text != "three" {
		t.Errorf("unexpected notices %+v", recent)
	}
	if recent[1].Error != "boom" {
		t.Errorf("error text not captured: %+v", recent[1])
	}
}

package formatter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat_FillsSenderAndText(t *testing.T) {
	before := time.Now()
	msg := New().Format("bob", "hi")

	assert.Equal(t, "bob", msg.SenderUserName)
	assert.Equal(t, "hi", msg.Text)
	assert.NotEmpty(t, msg.Id)

	// 分境界をまたぐ可能性があるので前後どちらかと一致すればよい
	after := time.Now()
	assert.Contains(t,
		[]string{before.Format(TimeLayout), after.Format(TimeLayout)},
		msg.Timestamp)
}

func TestFormatter_Deterministic(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 15, 4, 0, 0, time.UTC)
	f := Formatter{
		Now:   func() time.Time { return fixed },
		NewID: func() string { return "id-1" },
	}

	a := f.Format("bob", "hi")
	b := f.Format("bob", "hi")

	assert.Equal(t, a, b)
	assert.Equal(t, "3:04 pm", a.Timestamp)
	assert.Equal(t, "id-1", a.Id)
}

func TestFormatter_ZeroValueUsesDefaults(t *testing.T) {
	var f Formatter
	msg := f.Format("alice", "")

	assert.Equal(t, "alice", msg.SenderUserName)
	assert.Empty(t, msg.Text)
	assert.NotEmpty(t, msg.Id)
	assert.NotEmpty(t, msg.Timestamp)
}

func TestFormat_UniqueIDs(t *testing.T) {
	f := New()
	assert.NotEqual(t, f.Format("a", "x").Id, f.Format("a", "x").Id)
}

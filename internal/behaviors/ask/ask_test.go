package ask

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ChannelFlow/internal/behavior"
	"github.com/BTreeMap/ChannelFlow/internal/engine"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/testutil"
)

type fakeGenerator struct {
	answer  string
	err     error
	release chan struct{}
	system  string
}

func (g *fakeGenerator) GeneratePromptWithContext(ctx context.Context, system, user string) (string, error) {
	g.system = system
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.answer + user, g.err
}

func TestCreate(t *testing.T) {
	b := New("be brief")
	if b.Create(models.NewMessage("C1", "U1", "hello")) != nil {
		t.Error("plain message should not start a conversation")
	}
	if b.Create(models.NewMessage("C1", "U1", "ask   ")) != nil {
		t.Error("empty question should not start a conversation")
	}
	out := b.Create(models.NewMessage("C1", "U1", "Ask why is the sky blue?"))
	if out == nil {
		t.Fatal("expected a conversation")
	}
	if q, ok := out.Effect.(Question); !ok || q.Text != "why is the sky blue?" {
		t.Errorf("unexpected effect %#v", out.Effect)
	}
}

func TestUpdateIsTotal(t *testing.T) {
	b := New("")
	waiting := State{Phase: PhaseWaiting, Question: "q"}
	events := []behavior.Event{
		behavior.MessageEvent(models.NewMessage("C1", "U1", "hi")),
		behavior.AnswerEvent(models.InteractiveAnswer{Value: "yes"}),
		behavior.ResultEvent(behavior.Succeeded("a")),
		behavior.ResultEvent(behavior.Failed(errors.New("x"))),
	}
	for _, st := range []behavior.State{waiting, State{Phase: PhaseAnswered}, State{Phase: PhaseAbandoned}} {
		for _, ev := range events {
			if out := b.Update(st, ev); out.State == nil {
				t.Errorf("Update(%v, %v) returned no state", st, ev.Kind)
			}
		}
	}
}

func TestNevermindCancelsRunningEffects(t *testing.T) {
	b := New("")
	out := b.Update(State{Phase: PhaseWaiting, Question: "q"}, behavior.MessageEvent(models.NewMessage("C1", "U1", "Nevermind")))
	if !out.State.IsFinal() {
		t.Error("nevermind should end the conversation")
	}
	if _, ok := out.Effect.(behavior.CancelAllRunningEffects); !ok {
		t.Errorf("expected CancelAllRunningEffects, got %#v", out.Effect)
	}
}

func TestAskThroughDispatcher(t *testing.T) {
	gen := &fakeGenerator{answer: "because: "}
	rec := testutil.NewRecordingRenderer()
	d := engine.New(rec, engine.WithDependencies(behavior.Dependencies{GenAI: gen}))
	defer d.Stop()
	d.Register(context.Background(), New("be brief"))

	d.Handle(context.Background(), models.MessageInput(models.NewMessage("C1", "U1", "ask why")))
	rec.WaitForCount(t, 2, time.Second)
	texts := rec.Texts("C1")
	if texts[len(texts)-1] != "because: why" {
		t.Errorf("unexpected answer %v", texts)
	}
	if gen.system != "be brief" {
		t.Errorf("system prompt not passed, got %q", gen.system)
	}
	if _, ok := d.ActiveBehavior("C1"); ok {
		t.Error("answered conversation should be finished")
	}
}

func TestAskNevermindWhileWaiting(t *testing.T) {
	gen := &fakeGenerator{answer: "late", release: make(chan struct{})}
	rec := testutil.NewRecordingRenderer()
	d := engine.New(rec, engine.WithDependencies(behavior.Dependencies{GenAI: gen}))
	defer d.Stop()
	d.Register(context.Background(), New(""))
	ctx := context.Background()

	d.Handle(ctx, models.MessageInput(models.NewMessage("C1", "U1", "ask something slow")))
	d.Handle(ctx, models.MessageInput(models.NewMessage("C1", "U1", "are you there")))
	d.Handle(ctx, models.MessageInput(models.NewMessage("C1", "U1", "nevermind")))
	close(gen.release)
	time.Sleep(20 * time.Millisecond)

	texts := rec.Texts("C1")
	if len(texts) != 3 || !strings.HasPrefix(texts[1], "Still thinking") || texts[2] != "Okay, never mind." {
		t.Errorf("unexpected outputs %v", texts)
	}
}

func TestAskWithoutGenerator(t *testing.T) {
	rec := testutil.NewRecordingRenderer()
	d := engine.New(rec)
	defer d.Stop()
	d.Register(context.Background(), New(""))
	d.Handle(context.Background(), models.MessageInput(models.NewMessage("C1", "U1", "ask anything")))
	rec.WaitForCount(t, 2, time.Second)
	if got := rec.Texts("C1")[1]; !strings.Contains(got, ErrNoGenerator.Error()) {
		t.Errorf("expected failure reply, got %q", got)
	}
}

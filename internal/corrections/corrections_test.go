package corrections

import (
	"sync"
	"testing"
)

func TestApplyWholeWord(t *testing.T) {
	rules := []Rule{{Before: "pain", After: "discomfort"}}
	if got := Apply("chest pain", rules); got != "chest discomfort" {
		t.Fatalf("expected replacement, got %q", got)
	}
	if got := Apply("painless", rules); got != "painless" {
		t.Fatalf("expected no substring match, got %q", got)
	}
}

func TestApplyCaseInsensitive(t *testing.T) {
	got := Apply("Pain and PAIN", []Rule{{Before: "pain", After: "ache"}})
	if got != "ache and ache" {
		t.Fatalf("expected case-insensitive replacement, got %q", got)
	}
}

func TestApplyMetacharacters(t *testing.T) {
	got := Apply("Dx: C.O.P.D. noted", []Rule{{Before: "C.O.P.D.", After: "COPD"}})
	if got != "Dx: COPD noted" {
		t.Fatalf("expected literal match, got %q", got)
	}
	if got := Apply("Dx: CxOxPxDx noted", []Rule{{Before: "C.O.P.D.", After: "COPD"}}); got != "Dx: CxOxPxDx noted" {
		t.Fatalf("expected dots to be literal, got %q", got)
	}
	if got := Apply("take 5mg", []Rule{{Before: "5mg", After: "$1 five mg"}}); got != "take $1 five mg" {
		t.Fatalf("expected literal replacement text, got %q", got)
	}
}

func TestApplyCompoundsInOrder(t *testing.T) {
	rules := []Rule{
		{Before: "htn", After: "high blood pressure"},
		{Before: "high blood pressure", After: "hypertension"},
	}
	if got := Apply("hx of HTN", rules); got != "hx of hypertension" {
		t.Fatalf("expected later rule to act on earlier output, got %q", got)
	}
	reversed := []Rule{rules[1], rules[0]}
	if got := Apply("hx of HTN", reversed); got != "hx of high blood pressure" {
		t.Fatalf("expected order to matter, got %q", got)
	}
}

func TestEmptyRulesFiltered(t *testing.T) {
	c := Compile([]Rule{{Before: "", After: "x"}, {Before: "a", After: " "}, {Before: "ok", After: "fine"}})
	if c.Len() != 1 {
		t.Fatalf("expected 1 usable rule, got %d", c.Len())
	}
	if got := c.Apply("ok a"); got != "fine a" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestEmptyRuleSetIsNoOp(t *testing.T) {
	rules := []Rule{{Before: "Hello", After: "Hi"}}
	once := Apply("Hello world", rules)
	if again := Apply(once, nil); again != once {
		t.Fatalf("expected empty rule set to be a no-op, got %q", again)
	}
	if Apply("Hello world", rules) != once {
		t.Fatalf("expected deterministic output")
	}
}

func TestCorrectorConcurrentUse(t *testing.T) {
	c := Compile([]Rule{{Before: "pain", After: "discomfort"}})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.Apply("back pain"); got != "back discomfort" {
				t.Errorf("unexpected output %q", got)
			}
		}()
	}
	wg.Wait()
}

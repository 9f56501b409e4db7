package patchlib

import (
	"errors"
	"reflect"
	"runtime/debug"
	"testing"
)

func testStream() Stream {
	return NewStream(
		InstLdArg(1),
		InstNewObj("List`1"),
		InstStLoc(2),
		InstNop(),
		InstLdNull(),
		InstStLoc(2),
	)
}

func TestStream(t *testing.T) {
	p := NewPatcher(testStream())
	eq(t, p.Stream().Len(), 6, "unexpected length")
	eq(t, p.Stream().At(1), InstNewObj("List`1"), "unexpected instruction")
	eq(t, p.Stream().Equal(testStream()), true, "stream should be unchanged")
}

func TestResetCursor(t *testing.T) {
	p := NewPatcher(testStream())
	p.cur = 5
	p.ResetCursor()
	eq(t, p.cur, 0, "unexpected cursor")
}

func TestSeek(t *testing.T) {
	p := NewPatcher(testStream())
	err(t, p.Seek(6)) // past len
	err(t, p.Seek(-1))
	nerr(t, p.Seek(4))
	eq(t, p.cur, 4, "unexpected cursor")
}

func TestFind(t *testing.T) {
	p := NewPatcher(testStream())
	err(t, p.Find(Find(Op(Ret))))
	eq(t, p.cur, 0, "cursor should not move on failure")
	nerr(t, p.Find(Find(Op(StLoc))))
	eq(t, p.cur, 2, "unexpected cursor")
	nerr(t, p.Seek(3))
	nerr(t, p.Find(Find(Op(StLoc))))
	eq(t, p.cur, 5, "find should start at cursor")
	nerr(t, p.Find(FindBackward(Op(NewObj))))
	eq(t, p.cur, 1, "unexpected cursor")
	err(t, p.Find(FindBackward(Op(LdNull))))
	eq(t, p.cur, 1, "backward find should start at cursor")
	nerr(t, p.Seek(3))
	nerr(t, p.Find(FindBackward(Op(StLoc))))
	eq(t, p.cur, 2, "backward find should start at cursor")
	nerr(t, p.Find(FindBackward(Op(LdNull)).At(5)))
	eq(t, p.cur, 4, "explicit start should be used")
}

func TestFindChain(t *testing.T) {
	p := NewPatcher(testStream())
	r, e := p.FindChain(Find(Op(NewObj)), Find(Op(LdNull)))
	nerr(t, e)
	eq(t, r, []int{1, 4}, "unexpected chain")
	eq(t, p.cur, 4, "unexpected cursor")

	_, e = p.FindChain(Find(Op(NewObj)))
	err(t, e) // starts at cursor
	eq(t, errors.Is(e, ErrNotFound), true, "should wrap ErrNotFound")
}

func TestReplace(t *testing.T) {
	orig := testStream()
	p := NewPatcher(orig)
	err(t, p.Replace(0, []Instruction{InstLdArg(2)}, nil))
	err(t, p.Replace(5, []Instruction{InstStLoc(2), InstRet()}, nil)) // past end
	nerr(t, p.Replace(3, []Instruction{InstNop(), InstLdNull()}, []Instruction{InstLdC(7)}))
	eq(t, p.Stream().Insts(), []Instruction{
		InstLdArg(1), InstNewObj("List`1"), InstStLoc(2), InstLdC(7), InstStLoc(2),
	}, "unexpected output")
	eq(t, p.cur, 3, "unexpected cursor")
	eq(t, orig.Equal(testStream()), true, "original stream modified")
}

func TestReplaceRange(t *testing.T) {
	p := NewPatcher(testStream())
	nerr(t, p.Find(Find(Op(NewObj))))
	err(t, p.ReplaceRange(Find(Op(Ret)), nil))
	nerr(t, p.ReplaceRange(Find(Op(LdNull)), []Instruction{InstCallExt("BuildMenu", 0, true)}))
	eq(t, p.Stream().Insts(), []Instruction{
		InstLdArg(1), InstCallExt("BuildMenu", 0, true), InstStLoc(2),
	}, "unexpected output")
}

func TestInsertAfter(t *testing.T) {
	p := NewPatcher(testStream())
	nerr(t, p.Find(Find(Op(StLoc))))
	nerr(t, p.InsertAfter(0, []Instruction{InstLdLocA(2), InstCallExt("Season", 1, false)}))
	eq(t, p.Stream().Len(), 8, "unexpected length")
	eq(t, p.Stream().At(3), InstLdLocA(2), "unexpected instruction")
	eq(t, p.Stream().At(4), InstCallExt("Season", 1, false), "unexpected instruction")
	eq(t, p.cur, 4, "cursor should be at last inserted instruction")
	err(t, p.InsertAfter(10, []Instruction{InstNop()}))
}

func TestCheck(t *testing.T) {
	p := NewPatcher(testStream())
	nerr(t, p.Check(1, []Instruction{InstNewObj("List`1"), InstStLoc(2)}))
	err(t, p.Check(0, []Instruction{InstNewObj("List`1")}))
	eq(t, p.Stream().Equal(testStream()), true, "check should not modify")
}

func TestHook(t *testing.T) {
	p := NewPatcher(testStream())
	var calls int
	p.Hook(func(offset int, find, replace []Instruction) error {
		calls++
		if offset == 0 {
			return errors.New("refusing")
		}
		return nil
	})
	err(t, p.Replace(0, []Instruction{InstLdArg(1)}, []Instruction{InstLdArg(0)}))
	eq(t, p.Stream().Equal(testStream()), true, "hook error should prevent change")
	nerr(t, p.Replace(3, []Instruction{InstNop()}, nil))
	eq(t, calls, 2, "unexpected number of hook calls")
	eq(t, p.Stream().Len(), 5, "unexpected length")
}

func TestAll(t *testing.T) {
	in := NewStream(
		InstLdArg(0),
		InstLdC(10),
		InstClt(),
		InstBrFalse(0),
		InstLdStr("cheap"),
		InstRet(),
		InstLabel(0),
		InstLdStr("expensive"),
		InstRet(),
	)
	eout := NewStream(
		InstLdArg(0),
		InstLdC(25),
		InstClt(),
		InstBrFalse(0),
		InstLdStr("cheap"),
		InstRet(),
		InstLabel(0),
		InstLdArgA(0),
		InstCallExt("Price", 1, false),
		InstLdStr("expensive"),
		InstRet(),
	)

	p := NewPatcher(in)
	nerr(t, p.Replace(1, []Instruction{InstLdC(10)}, []Instruction{InstLdC(25)}))
	err(t, p.Find(Find(OperandEq(Label, LabelID(1)))))
	nerr(t, p.Find(Find(OperandEq(Label, LabelID(0)))))
	eq(t, p.cur, 6, "unexpected cursor")
	nerr(t, p.InsertAfter(0, []Instruction{InstLdArgA(0), InstCallExt("Price", 1, false)}))
	eq(t, p.Stream().Equal(eout), true, "unexpected output:\n"+p.Stream().String())
	eq(t, in.Len(), 9, "input modified")
}

func InstClt() Instruction { return Instruction{Clt, nil} }

func nerr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("err should be nil: %v", err)
		debug.PrintStack()
	}
}

func err(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Error("err should not be nil")
		debug.PrintStack()
	}
}

func eq(t *testing.T, a, b interface{}, msg string) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("%s: %#v != %#v", msg, a, b)
		debug.PrintStack()
	}
}

package agent

import "testing"

func TestExtractCodeBlocksReturnsEachFencedBlockInOrder(t *testing.T) {
	content := "before\n```\nfirst\n```\nmiddle\n```python\nsecond\n```\nafter"
	blocks := extractCodeBlocks(content)
	if len(blocks) != 2 {
		t.Fatalf("len(blocks) = %d, want 2", len(blocks))
	}
	if blocks[0] != "first\n" || blocks[1] != "second\n" {
		t.Fatalf("unexpected blocks: %+v", blocks)
	}
}

func TestExtractCodeBlocksReturnsNilWhenNoneFenced(t *testing.T) {
	if blocks := extractCodeBlocks("plain text, no fences"); blocks != nil {
		t.Fatalf("expected nil, got %+v", blocks)
	}
}

func TestStripReasoningTagsRemovesBalancedPairs(t *testing.T) {
	content := "<thinking>scratch work</thinking>the answer<reasoning>more scratch</reasoning>"
	got := stripReasoningTags(content)
	if got != "the answer" {
		t.Fatalf("got %q, want %q", got, "the answer")
	}
}

func TestStripReasoningTagsLeavesMismatchedTagsIntact(t *testing.T) {
	content := "<thinking>draft</reasoning> final answer <thinking>more</thinking>"
	got := stripReasoningTags(content)
	want := "<thinking>draft</reasoning> final answer "
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

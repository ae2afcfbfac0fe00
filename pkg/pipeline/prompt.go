package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dialogtree/dialog/pkg/convctx"
	"github.com/dialogtree/dialog/pkg/knowledge"
)

// tokenCounter abstracts token counting so tests can pin it.
type tokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// estimateCounter is the fallback when no encoding is available: roughly
// four characters per token.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int { return len(text)/4 + 1 }

// newTokenCounter returns a tiktoken-backed counter, falling back to the
// estimate when the encoding cannot be loaded.
func newTokenCounter() tokenCounter {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return estimateCounter{}
	}
	return &tiktokenCounter{encoding: encoding}
}

// promptParts is everything the generation prompt may include, in priority
// order: the utterance and analyses always fit; snippets and the context
// summary are dropped from the end to stay within budget.
type promptParts struct {
	utterance      string
	language       string
	intent         string
	sentimentLabel string
	emotion        string
	snippets       []knowledge.Snippet
	contextSummary string
}

// packPrompt assembles the generation prompt within maxTokens.
func packPrompt(counter tokenCounter, parts promptParts, maxTokens int) string {
	var b strings.Builder

	b.WriteString("You are a customer service assistant.\n")
	if parts.language != "" {
		fmt.Fprintf(&b, "User language: %s\n", parts.language)
	}
	if parts.intent != "" {
		fmt.Fprintf(&b, "Detected intent: %s\n", parts.intent)
	}
	if parts.sentimentLabel != "" {
		fmt.Fprintf(&b, "User sentiment: %s\n", parts.sentimentLabel)
	}
	if parts.emotion != "" {
		fmt.Fprintf(&b, "User emotion: %s\n", parts.emotion)
	}

	head := b.String()
	tail := fmt.Sprintf("\nUser message: %s\nRespond helpfully and concisely.", parts.utterance)
	budget := maxTokens - counter.Count(head) - counter.Count(tail)

	var middle strings.Builder
	if parts.contextSummary != "" {
		section := "\nConversation context:\n" + parts.contextSummary + "\n"
		if cost := counter.Count(section); cost <= budget {
			middle.WriteString(section)
			budget -= cost
		}
	}
	if len(parts.snippets) > 0 {
		header := "\nRelevant knowledge:\n"
		if cost := counter.Count(header); cost <= budget {
			var snips strings.Builder
			remaining := budget - cost
			for i, s := range parts.snippets {
				line := fmt.Sprintf("%d. [%.2f] %s\n", i+1, s.Score, s.Content)
				lineCost := counter.Count(line)
				if lineCost > remaining {
					break
				}
				snips.WriteString(line)
				remaining -= lineCost
			}
			if snips.Len() > 0 {
				middle.WriteString(header)
				middle.WriteString(snips.String())
			}
		}
	}

	return head + middle.String() + tail
}

// contextSummary renders the slice of the layered context the generator
// sees. It reads under the context's lock and copies out plain strings.
func contextSummary(cc *convctx.Context) string {
	var b strings.Builder
	cc.Read(func(c *convctx.Context) {
		fmt.Fprintf(&b, "tier=%s", c.User.Tier)
		if c.User.VIP {
			b.WriteString(" vip=true")
		}
		fmt.Fprintf(&b, " state=%s", c.Session.State)
		fmt.Fprintf(&b, " user_messages=%d", c.Session.UserMessages)
		if c.AI.LastIntent != nil {
			fmt.Fprintf(&b, " last_intent=%s", c.AI.LastIntent.Intent)
		}
		if c.Business.Escalated {
			b.WriteString(" escalated=true")
		}
	})
	return b.String()
}

package ai

import (
	"sync"

	"content-pipeline/internal/domain/ports/adapter"

	"github.com/pkoukk/tiktoken-go"
)

var _ adapter.TokenCounter = (*TiktokenCounter)(nil)

// perMessageOverhead approximates the chat framing tokens added per message.
const perMessageOverhead = 4

// TiktokenCounter estimates prompt size with OpenAI's BPE tables. Models
// the library does not know are counted with cl100k_base.
type TiktokenCounter struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encs: map[string]*tiktoken.Tiktoken{}}
}

func (c *TiktokenCounter) CountTokens(model string, messages []adapter.Message) (int, error) {
	enc, err := c.encoding(model)
	if err != nil {
		return 0, err
	}
	n := 3
	for _, m := range messages {
		n += perMessageOverhead
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	return n, nil
}

func (c *TiktokenCounter) encoding(model string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encs[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encs[model] = enc
	return enc, nil
}

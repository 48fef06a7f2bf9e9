package ui

import "github.com/CK6170/spectro-go/models"

// KeyInterrupter lets the operator trigger a measurement with SPACE or Enter
// and abort it with ESC while the instrument waits for its switch.
type KeyInterrupter struct {
	keys <-chan rune
}

// NewKeyInterrupter starts the key reader and discards pending keys.
func NewKeyInterrupter() *KeyInterrupter {
	DrainKeys()
	return &KeyInterrupter{keys: StartKeyEvents()}
}

// Poll never blocks. It returns models.ErrUserAbort, models.ErrUserTrigger
// or nil when no relevant key is pending.
func (k *KeyInterrupter) Poll() error {
	for {
		select {
		case r, ok := <-k.keys:
			if !ok {
				return nil
			}
			switch r {
			case 27, 'q', 'Q':
				return models.ErrUserAbort
			case ' ', '\r', '\n':
				return models.ErrUserTrigger
			}
		default:
			return nil
		}
	}
}

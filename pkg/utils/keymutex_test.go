package utils

import (
	"sync"
	"testing"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("call-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
	if km.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d", km.Len())
	}
}

func TestKeyMutex_UnlockIsIdempotent(t *testing.T) {
	km := NewKeyMutex()
	unlock := km.Lock("a")
	unlock()
	unlock()
	unlock2 := km.Lock("a")
	unlock2()
}

package sink

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRotationCycles(t *testing.T) {
	r := newRotation([]string{"a", "b", "c"}, false)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, r.next())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRotationShuffleKeepsMembers(t *testing.T) {
	templates := []string{"a", "b", "c", "d"}
	r := newRotation(templates, true)

	var got []string
	for range templates {
		got = append(got, r.next())
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestRotationConcurrent(t *testing.T) {
	r := newRotation([]string{"a", "b"}, false)

	var wg sync.WaitGroup
	counts := make([]map[string]int, 8)
	for i := 0; i < 8; i++ {
		counts[i] = make(map[string]int)
		wg.Add(1)
		go func(m map[string]int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m[r.next()]++
			}
		}(counts[i])
	}
	wg.Wait()

	total := map[string]int{}
	for _, m := range counts {
		for k, v := range m {
			total[k] += v
		}
	}
	assert.Equal(t, 400, total["a"])
	assert.Equal(t, 400, total["b"])
}

package coedit

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// site ids break insert ties, so both sides must agree on the order

	a := NewId()
	for range 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, a.Cmp(b), -1)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdCodec(t *testing.T) {
	a := NewId()

	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	c, err := IdFromBytes(a.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, c)

	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)

	broadcastId, err := IdFromBytesOrBroadcast(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, broadcastId.IsBroadcast(), true)
	assert.Equal(t, len(BroadcastId.wireBytes()), 0)
	assert.Equal(t, a.wireBytes(), a.Bytes())

	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}
	test1 := &Test{
		A: NewId(),
		B: &a,
	}
	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)
	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)
	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, *test1.B, *test2.B)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	removeA := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	assert.Equal(t, len(callbacks.Get()), 2)

	removeA()
	assert.Equal(t, len(callbacks.Get()), 1)
	assert.Equal(t, callbacks.Get()[0](), 2)
	// removing twice is a no-op
	removeA()
	assert.Equal(t, len(callbacks.Get()), 1)

	callbacks.Clear()
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestHandleError(t *testing.T) {
	errorCount := 0
	HandleError(func() {
		panic("boom")
	}, func(err error) {
		errorCount += 1
	})
	assert.Equal(t, errorCount, 1)

	cleanupCount := 0
	HandleError(func() {}, func() {
		cleanupCount += 1
	})
	assert.Equal(t, cleanupCount, 0)
}

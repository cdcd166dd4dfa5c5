package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/http-mirror/pkg/capture"
)

func flowN(i int) *Flow { return &Flow{ID: fmt.Sprintf("f%d", i)} }

func ids(flows []*Flow) []string {
	out := make([]string, len(flows))
	for i, f := range flows {
		out[i] = f.ID
	}
	return out
}

func TestFlowStoreEvictsOldest(t *testing.T) {
	s := NewFlowStore(3)
	for i := 1; i <= 5; i++ {
		s.Add(flowN(i))
	}
	assert.Equal(t, 3, s.Count())
	assert.Equal(t, []string{"f3", "f4", "f5"}, ids(s.All()))
	assert.Nil(t, s.Get("f2"))
	assert.NotNil(t, s.Get("f4"))

	s.Clear()
	assert.Zero(t, s.Count())
	assert.Empty(t, s.All())
	s.Add(flowN(9))
	assert.Equal(t, []string{"f9"}, ids(s.All()))
}

func TestFlowStoreSubscribe(t *testing.T) {
	s := NewFlowStore(10)
	ch := s.Subscribe()

	f := flowN(1)
	s.Add(f)
	s.Update(f, FlowEventMirror)

	assert.Equal(t, FlowEvent{Type: FlowEventNew, Flow: f}, <-ch)
	assert.Equal(t, FlowEvent{Type: FlowEventMirror, Flow: f}, <-ch)

	s.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	s.Unsubscribe(ch)
	s.Add(flowN(2))
}

func TestFlowStoreMirrorStats(t *testing.T) {
	s := NewFlowStore(10)

	a := flowN(1)
	a.Mirror.Set(capture.KindRequest, MirrorSent, nil)
	a.Mirror.Set(capture.KindResponse, MirrorSent, nil)
	b := flowN(2)
	b.Internal = true
	b.Mirror.Set(capture.KindRequest, MirrorFailed, errors.New("refused"))
	b.Mirror.Set(capture.KindResponse, MirrorPending, nil)
	c := flowN(3)
	c.Mirror.Set(capture.KindRequest, MirrorSkipped, nil)
	for _, f := range []*Flow{a, b, c} {
		s.Add(f)
	}

	assert.Equal(t, MirrorStats{
		Flows: 3, Internal: 1,
		RequestsSent: 1, ResponsesSent: 1,
		Pending: 1, Failed: 1, Skipped: 1,
	}, s.MirrorStats())
}

func TestFlowJSONIncludesMirrorState(t *testing.T) {
	f := flowN(1)
	f.Mirror.Set(capture.KindRequest, MirrorFailed, errors.New("dial tcp: refused"))

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded struct {
		Mirror map[string]string `json:"mirror"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, map[string]string{
		"request":      "failed",
		"requestError": "dial tcp: refused",
	}, decoded.Mirror)
}

func TestHeaderListIsSorted(t *testing.T) {
	h := http.Header{
		"X-B":    {"2"},
		"Accept": {"a", "b"},
		"X-A":    {"1"},
	}
	assert.Equal(t, []capture.Header{
		{Name: "Accept", Value: "a"},
		{Name: "Accept", Value: "b"},
		{Name: "X-A", Value: "1"},
		{Name: "X-B", Value: "2"},
	}, HeaderList(h))
	assert.Empty(t, HeaderList(nil))

	req := &CapturedRequest{Headers: h}
	assert.Equal(t, HeaderList(h), req.HeaderList())
	req.WireHeaders = []capture.Header{{Name: "x-b", Value: "2"}, {Name: "X-A", Value: "1"}}
	assert.Equal(t, req.WireHeaders, req.HeaderList())
}

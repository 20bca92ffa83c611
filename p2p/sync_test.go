package p2p

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"visionnode/protocol/params"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func testHash(h uint64) [32]byte {
	var out [32]byte
	binary.BigEndian.PutUint64(out[:8], h)
	return out
}

func testBlock(h uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, h)
}

func testBlockHeight(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, errors.New("bad block")
	}
	return binary.BigEndian.Uint64(data), nil
}

type blockRequest struct {
	peer  peer.ID
	start uint64
	max   int
}

// fakeRemote is one peer's chain as the fake client serves it.
type fakeRemote struct {
	height     uint64
	noStatus   bool
	slowHashes bool
}

type fakeClient struct {
	mu       sync.Mutex
	remotes  map[peer.ID]*fakeRemote
	requests []blockRequest
}

func (c *fakeClient) remote(p peer.ID) (*fakeRemote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.remotes[p]
	if r == nil {
		return nil, errors.New("unknown peer")
	}
	return r, nil
}

func (c *fakeClient) Status(_ context.Context, p peer.ID) (ChainStatus, error) {
	r, err := c.remote(p)
	if err != nil {
		return ChainStatus{}, err
	}
	if r.noStatus {
		return ChainStatus{}, errors.New("status unsupported")
	}
	return ChainStatus{Height: r.height, NetworkID: params.NetworkID, ChainID: params.ChainID}, nil
}

func (c *fakeClient) BlockHashAt(ctx context.Context, p peer.ID, h uint64) ([32]byte, bool, error) {
	r, err := c.remote(p)
	if err != nil {
		return [32]byte{}, false, err
	}
	if r.slowHashes {
		<-ctx.Done()
		return [32]byte{}, false, ctx.Err()
	}
	if h > r.height {
		return [32]byte{}, false, nil
	}
	return testHash(h), true, nil
}

func (c *fakeClient) BlocksByHeight(_ context.Context, p peer.ID, start uint64, max int) ([][]byte, error) {
	r, err := c.remote(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.requests = append(c.requests, blockRequest{peer: p, start: start, max: max})
	c.mu.Unlock()
	var out [][]byte
	for h := start; h <= r.height && len(out) < max; h++ {
		out = append(out, testBlock(h))
	}
	return out, nil
}

func (c *fakeClient) BlockByHash(_ context.Context, p peer.ID, hash [32]byte) ([]byte, error) {
	r, err := c.remote(p)
	if err != nil {
		return nil, err
	}
	h := binary.BigEndian.Uint64(hash[:8])
	if h > r.height {
		return nil, nil
	}
	return testBlock(h), nil
}

func (c *fakeClient) blockRequests(p peer.ID) []blockRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []blockRequest
	for _, r := range c.requests {
		if r.peer == p {
			out = append(out, r)
		}
	}
	return out
}

type syncHarness struct {
	book      *PeerBook
	client    *fakeClient
	sm        *SyncManager
	mu        sync.Mutex
	local     uint64
	processed []uint64
	process   func(from peer.ID, h uint64) (bool, error)
}

func newSyncHarness(t *testing.T, local uint64) *syncHarness {
	t.Helper()
	book, err := NewPeerBook(PeerBookConfig{})
	require.NoError(t, err)
	h := &syncHarness{
		book:   book,
		client: &fakeClient{remotes: make(map[peer.ID]*fakeRemote)},
		local:  local,
	}
	sm, err := NewSyncManager(nil, SyncConfig{
		Book:   book,
		Client: h.client,
		GetStatus: func() ChainStatus {
			h.mu.Lock()
			defer h.mu.Unlock()
			return ChainStatus{Height: h.local, NetworkID: params.NetworkID, ChainID: params.ChainID}
		},
		HashAtHeight: func(height uint64) ([32]byte, bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if height > h.local {
				return [32]byte{}, false
			}
			return testHash(height), true
		},
		GetBlocksByHeight: func(start uint64, max int) [][]byte {
			var out [][]byte
			for i := 0; i < max; i++ {
				out = append(out, testBlock(start+uint64(i)))
			}
			return out
		},
		VerifyBlock: func(data []byte) (VerifiedBlock, error) {
			height, err := testBlockHeight(data)
			if err != nil {
				return VerifiedBlock{}, err
			}
			return VerifiedBlock{Height: height, Hash: testHash(height), Parent: testHash(height - 1)}, nil
		},
		ProcessBlock: func(from peer.ID, data []byte) (bool, error) {
			height, err := testBlockHeight(data)
			if err != nil {
				return false, err
			}
			h.mu.Lock()
			h.processed = append(h.processed, height)
			process := h.process
			h.mu.Unlock()
			if process != nil {
				return process(from, height)
			}
			h.mu.Lock()
			h.local = height
			h.mu.Unlock()
			return true, nil
		},
		MinQuorum:         3,
		ForkDetectTimeout: time.Second,
	})
	require.NoError(t, err)
	h.sm = sm
	return h
}

func (h *syncHarness) addPeer(id peer.ID, remote *fakeRemote, advertised, validated uint64) {
	h.client.mu.Lock()
	h.client.remotes[id] = remote
	h.client.mu.Unlock()
	h.book.AddPeer(id, nil, Handshake{AdvertisedHeight: advertised})
	if validated > 0 {
		h.book.RecordValidatedHeight(id, validated)
	}
}

func (h *syncHarness) processedHeights() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.processed...)
}

func TestSyncPullsOnlyToValidatedHeight(t *testing.T) {
	h := newSyncHarness(t, 150)
	source := peer.ID("source")
	h.addPeer(source, &fakeRemote{height: 200, noStatus: true}, 200, 151)
	h.addPeer("peer-b", &fakeRemote{height: 150}, 150, 0)
	h.addPeer("peer-c", &fakeRemote{height: 150}, 150, 0)

	h.sm.checkSync(context.Background())

	require.Equal(t, []uint64{151}, h.processedHeights())
	reqs := h.client.blockRequests(source)
	require.Len(t, reqs, 1)
	require.Equal(t, blockRequest{peer: source, start: 151, max: 1}, reqs[0])
}

func TestPeerTipCheckRaisesValidatedHeight(t *testing.T) {
	h := newSyncHarness(t, 10)
	source := peer.ID("source")
	h.addPeer(source, &fakeRemote{height: 40}, 0, 0)
	h.addPeer("peer-b", &fakeRemote{height: 10}, 0, 0)
	h.addPeer("peer-c", &fakeRemote{height: 10}, 0, 0)

	h.sm.checkSync(context.Background())

	require.Equal(t, uint64(40), h.book.ValidatedHeight(source))
	require.Zero(t, h.book.ValidatedHeight("peer-b"))
	got := h.processedHeights()
	require.Len(t, got, 30)
	require.Equal(t, uint64(11), got[0])
	require.Equal(t, uint64(40), got[len(got)-1])
}

func TestPeerTipCheckStrikesWrongHeight(t *testing.T) {
	h := newSyncHarness(t, 10)
	h.sm.cfg.VerifyBlock = func(data []byte) (VerifiedBlock, error) {
		return VerifiedBlock{Height: 3, Hash: testHash(3), Parent: testHash(2)}, nil
	}
	liar := peer.ID("liar")
	h.addPeer(liar, &fakeRemote{height: 40}, 0, 0)

	h.sm.refreshPeers(context.Background())

	require.Zero(t, h.book.ValidatedHeight(liar))
	require.Equal(t, 1, h.book.Strikes(liar))
}

func TestPeerTipCheckStopsAtOneBatch(t *testing.T) {
	h := newSyncHarness(t, 10)
	far := peer.ID("far")
	h.addPeer(far, &fakeRemote{height: 1_000_000}, 0, 0)

	h.sm.refreshPeers(context.Background())

	require.Equal(t, uint64(10+MaxBlocksPerRequest), h.book.ValidatedHeight(far))
	require.Equal(t, []blockRequest{{peer: far, start: 11, max: MaxBlocksPerRequest}}, h.client.blockRequests(far))
	require.Zero(t, h.book.Strikes(far))
}

func TestPeerTipCheckRejectsUnlinkedBlocks(t *testing.T) {
	h := newSyncHarness(t, 10)
	// Every block verifies on its own, but none names the block below it.
	h.sm.cfg.VerifyBlock = func(data []byte) (VerifiedBlock, error) {
		height, err := testBlockHeight(data)
		return VerifiedBlock{Height: height, Hash: testHash(height)}, err
	}
	liar := peer.ID("liar")
	h.addPeer(liar, &fakeRemote{height: 1_000_000}, 0, 0)

	h.sm.refreshPeers(context.Background())

	require.Zero(t, h.book.ValidatedHeight(liar))
	require.Equal(t, 1, h.book.Strikes(liar))
}

func TestPeerTipCheckSkipsOnForkDetectTimeout(t *testing.T) {
	h := newSyncHarness(t, 10)
	h.sm.cfg.ForkDetectTimeout = 20 * time.Millisecond
	slow := peer.ID("slow")
	h.addPeer(slow, &fakeRemote{height: 40, slowHashes: true}, 0, 0)

	h.sm.refreshPeers(context.Background())

	require.Zero(t, h.book.ValidatedHeight(slow))
	require.Zero(t, h.book.Strikes(slow))
	require.Empty(t, h.client.blockRequests(slow))
}

func TestSyncNeedsQuorum(t *testing.T) {
	h := newSyncHarness(t, 150)
	h.addPeer("source", &fakeRemote{height: 200, noStatus: true}, 200, 180)
	h.addPeer("peer-b", &fakeRemote{height: 150}, 150, 0)

	h.sm.checkSync(context.Background())
	require.Empty(t, h.processedHeights())
}

func TestSyncSkipsOnForkDetectTimeout(t *testing.T) {
	h := newSyncHarness(t, 150)
	h.sm.cfg.ForkDetectTimeout = 20 * time.Millisecond
	source := peer.ID("source")
	h.addPeer(source, &fakeRemote{height: 200, noStatus: true, slowHashes: true}, 200, 160)
	h.addPeer("peer-b", &fakeRemote{height: 150}, 150, 0)
	h.addPeer("peer-c", &fakeRemote{height: 150}, 150, 0)

	h.sm.checkSync(context.Background())

	require.Empty(t, h.processedHeights())
	require.Zero(t, h.book.Strikes(source), "a slow peer is not struck")
	require.Empty(t, h.client.blockRequests(source))
}

func TestSyncAbandonsWhenSourceQuarantined(t *testing.T) {
	h := newSyncHarness(t, 150)
	source := peer.ID("source")
	h.addPeer(source, &fakeRemote{height: 400, noStatus: true}, 400, 400)
	h.addPeer("peer-b", &fakeRemote{height: 150}, 150, 0)
	h.addPeer("peer-c", &fakeRemote{height: 150}, 150, 0)
	h.process = func(from peer.ID, height uint64) (bool, error) {
		if height == 151 {
			h.book.AddStrike(from, StrikeOrphanSpam)
		}
		return true, nil
	}

	h.sm.checkSync(context.Background())

	require.Len(t, h.processedHeights(), MaxBlocksPerRequest)
	require.Len(t, h.client.blockRequests(source), 1)
}

func TestSyncStopsOnRejectedBlock(t *testing.T) {
	h := newSyncHarness(t, 150)
	source := peer.ID("source")
	h.addPeer(source, &fakeRemote{height: 400, noStatus: true}, 400, 400)
	h.addPeer("peer-b", &fakeRemote{height: 150}, 150, 0)
	h.addPeer("peer-c", &fakeRemote{height: 150}, 150, 0)
	h.process = func(_ peer.ID, height uint64) (bool, error) {
		if height == 155 {
			return false, errors.New("bad pow")
		}
		return true, nil
	}

	h.sm.checkSync(context.Background())
	require.Equal(t, []uint64{151, 152, 153, 154, 155}, h.processedHeights())
}

func TestFetchBlockByHashSkipsQuarantinedHint(t *testing.T) {
	h := newSyncHarness(t, 0)
	h.addPeer("hint", &fakeRemote{height: 50}, 0, 0)
	h.addPeer("other", &fakeRemote{height: 50}, 0, 0)
	h.book.AddStrike("hint", StrikeBadPoW)

	data, from, err := h.sm.FetchBlockByHash(context.Background(), testHash(7), "hint")
	require.NoError(t, err)
	require.Equal(t, peer.ID("other"), from)
	require.Equal(t, testBlock(7), data)

	_, _, err = h.sm.FetchBlockByHash(context.Background(), testHash(90), "")
	require.Error(t, err)
}

func TestServeRequests(t *testing.T) {
	h := newSyncHarness(t, 20)
	from := peer.ID("asker")
	h.book.AddPeer(from, nil, Handshake{})

	req, _ := json.Marshal(BlockHashRequest{Height: 12})
	typ, out, err := h.sm.serve(from, SyncMsgGetBlockHash, req)
	require.NoError(t, err)
	require.Equal(t, SyncMsgBlockHash, typ)
	var hashResp BlockHashResponse
	require.NoError(t, json.Unmarshal(out, &hashResp))
	require.True(t, hashResp.Found)
	require.Equal(t, testHash(12), hashResp.Hash)

	req, _ = json.Marshal(BlocksByHeightRequest{StartHeight: 1, MaxBlocks: 5000})
	typ, out, err = h.sm.serve(from, SyncMsgGetBlocksByHeight, req)
	require.NoError(t, err)
	require.Equal(t, SyncMsgBlocks, typ)
	blocks, err := decodeBlockBatch(out, MaxBlocksPerRequest)
	require.NoError(t, err)
	require.Len(t, blocks, MaxBlocksPerRequest)

	req, _ = json.Marshal(ChainStatus{Height: 99, NetworkID: "elsewhere", ChainID: params.ChainID})
	_, _, err = h.sm.serve(from, SyncMsgStatus, req)
	require.ErrorIs(t, err, ErrIncompatiblePeer)

	req, _ = json.Marshal(ChainStatus{Height: 99, NetworkID: params.NetworkID, ChainID: params.ChainID})
	_, out, err = h.sm.serve(from, SyncMsgStatus, req)
	require.NoError(t, err)
	var status ChainStatus
	require.NoError(t, json.Unmarshal(out, &status))
	require.Equal(t, uint64(20), status.Height)

	_, _, err = h.sm.serve(from, 0x7f, nil)
	require.Error(t, err)
}

func TestTrimByteSliceBatch(t *testing.T) {
	items := [][]byte{make([]byte, 4), make([]byte, 4), make([]byte, 4)}
	require.Len(t, trimByteSliceBatch(items, 2, 100), 2)
	require.Len(t, trimByteSliceBatch(items, 10, 9), 2)
	require.Nil(t, trimByteSliceBatch(items, 10, 0))
}

func TestEnsureJSONArrayMaxItems(t *testing.T) {
	require.NoError(t, ensureJSONArrayMaxItems([]byte(`[1,2,3]`), 3))
	require.Error(t, ensureJSONArrayMaxItems([]byte(`[1,2,3,4]`), 3))
	require.Error(t, ensureJSONArrayMaxItems([]byte(`{"a":1}`), 3))
}

// Package filetransfer implements the OFFER/ACCEPT/REJECT/DATA/COMPLETE/
// CANCEL state machine of spec §4.9: a two-party session per TRANSFER_ID,
// windowed chunk delivery over the transport's reliable-send discipline, and
// whole-transfer integrity via a Merkle root computed at OFFER time.
package filetransfer

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lsnp/lsnp/internal/ids"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

// State is a transfer's position in the spec §4.9 state diagram.
type State string

const (
	StateOffered      State = "offered"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// offerTimeout bounds how long an OFFER waits for ACCEPT/REJECT (spec §5).
const offerTimeout = 30 * time.Second

// Transfer is a snapshot of one session's public state.
type Transfer struct {
	TransferID  string
	Peer        string
	Outgoing    bool
	Filename    string
	Size        int
	ChunkSize   int
	ChunksTotal int
	State       State
}

// session is the mutable state backing one Transfer, guarded by mu. The
// router's handler goroutine, the API methods, the chunk-sender goroutine and
// the offer timer all reach it through the Service and lock mu; no single
// worker owns it.
type session struct {
	mu sync.Mutex
	t  Transfer

	dest       *net.UDPAddr
	data       []byte // outgoing: the full payload; incoming: assembly buffer sized to t.Size
	chunks     [][]byte
	chunkHash  []string
	merkleRoot string

	received map[int]bool // incoming: chunk indices copied into data
	offerTmr *time.Timer
	cancel   context.CancelFunc // stops the outgoing send loop
}

// Service owns every active and recently finished transfer session.
type Service struct {
	selfUserID string
	peerPort   int
	tr         *transport.Transport
	bus        *uiadapter.Bus
	tokenTTL   time.Duration
	chunkSize  int
	window     int
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a file-transfer service. peerPort is the well-known LSNP port
// every peer listens on (spec §6.3), chunkSize and window are spec §6.3's
// FILE_CHUNK_SIZE and FILE_WINDOW.
func New(selfUserID string, peerPort int, tr *transport.Transport, bus *uiadapter.Bus, tokenTTL time.Duration, chunkSize, window int) *Service {
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	if window <= 0 {
		window = 8
	}
	return &Service{
		selfUserID: selfUserID,
		peerPort:   peerPort,
		tr:         tr,
		bus:        bus,
		tokenTTL:   tokenTTL,
		chunkSize:  chunkSize,
		window:     window,
		log:        logger.New("filetransfer"),
		sessions:   make(map[string]*session),
	}
}

// RegisterHandlers installs the six file-transfer frame types. ACK frames
// acknowledging an OFFER/ACCEPT/REJECT/DATA/COMPLETE send are matched by the
// shared transport's pending-send table and handled by messaging.Service's
// generic ACK registration; callers must wire messaging alongside
// filetransfer for delivery results to resolve.
func (s *Service) RegisterHandlers(r *router.Router) {
	r.Register(wire.TypeFileOffer, s.handleFileOffer)
	r.Register(wire.TypeFileAccept, s.handleFileAccept)
	r.Register(wire.TypeFileReject, s.handleFileReject)
	r.Register(wire.TypeFileData, s.handleFileData)
	r.Register(wire.TypeFileComplete, s.handleFileComplete)
	r.Register(wire.TypeFileCancel, s.handleFileCancel)
}

func (s *Service) mintToken() string {
	return token.Mint(s.selfUserID, token.ScopeFile, s.tokenTTL, time.Now())
}

func (s *Service) resolveAddr(userID string) *net.UDPAddr {
	_, ip, ok := strings.Cut(userID, "@")
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: s.peerPort}
}

func chunkKey(transferID string, idx int) string {
	return fmt.Sprintf("%s#%d", transferID, idx)
}

// ackDelivery replies to a reliably-sent frame with the low-level transport
// ACK its sender is waiting on. This is distinct from the higher-level
// FILE_ACCEPT/FILE_REJECT application decision — it only confirms the frame
// arrived, the same two-layer scheme CHAT/ACK uses.
func (s *Service) ackDelivery(f wire.Frame, key string) {
	if f.Source == nil {
		return
	}
	raw, err := wire.Encode(wire.TypeAck, wire.NewFields().Set("MESSAGE_ID", key), nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.tr.SendUnicast(ctx, raw, f.Source)
}

// Offer starts an outgoing transfer: it computes each chunk's hash and the
// whole-transfer Merkle root up front, then sends FILE_OFFER reliably.
func (s *Service) Offer(ctx context.Context, toUserID, filename string, data []byte) (string, <-chan transport.DeliveryResult, error) {
	dest := s.resolveAddr(toUserID)
	if dest == nil {
		return "", nil, fmt.Errorf("filetransfer: %s: %w", toUserID, lsnperr.ErrUnknownPeer)
	}

	transferID := ids.NewTransferID()
	chunks := splitChunks(data, s.chunkSize)
	chunkHash := make([]string, len(chunks))
	rawHashes := make([][]byte, len(chunks))
	for i, c := range chunks {
		chunkHash[i] = hashChunk(c)
		raw, _ := hex.DecodeString(chunkHash[i])
		rawHashes[i] = raw
	}
	root := merkleRootHex(rawHashes)

	sess := &session{
		t: Transfer{
			TransferID: transferID, Peer: toUserID, Outgoing: true,
			Filename: filename, Size: len(data), ChunkSize: s.chunkSize,
			ChunksTotal: len(chunks), State: StateOffered,
		},
		dest: dest, data: data, chunks: chunks, chunkHash: chunkHash, merkleRoot: root,
	}
	s.mu.Lock()
	s.sessions[transferID] = sess
	s.mu.Unlock()
	sess.offerTmr = time.AfterFunc(offerTimeout, func() { s.expireOffer(transferID) })

	fields := wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("FROM", s.selfUserID).
		Set("TO", toUserID).
		Set("FILENAME", filename).
		Set("SIZE", strconv.Itoa(len(data))).
		Set("CHUNK_SIZE", strconv.Itoa(s.chunkSize)).
		Set("CHUNK_COUNT", strconv.Itoa(len(chunks))).
		Set("MERKLE_ROOT", root).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeFileOffer, fields, nil)
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, transferID)
		s.mu.Unlock()
		return "", nil, err
	}
	return transferID, s.tr.SendReliable(ctx, transferID, raw, dest), nil
}

func (s *Service) handleFileOffer(f wire.Frame) {
	if f.Get("TO") != s.selfUserID {
		return
	}
	transferID := f.Get("TRANSFER_ID")
	s.ackDelivery(f, transferID)

	s.mu.Lock()
	_, exists := s.sessions[transferID]
	s.mu.Unlock()
	if exists {
		return
	}

	size, _ := strconv.Atoi(f.Get("SIZE"))
	chunkSize, _ := strconv.Atoi(f.Get("CHUNK_SIZE"))
	chunkCount, _ := strconv.Atoi(f.Get("CHUNK_COUNT"))
	if chunkSize <= 0 || size < 0 {
		return
	}

	sess := &session{
		t: Transfer{
			TransferID: transferID, Peer: f.Get("FROM"), Outgoing: false,
			Filename: f.Get("FILENAME"), Size: size, ChunkSize: chunkSize,
			ChunksTotal: chunkCount, State: StateOffered,
		},
		dest: f.Source, data: make([]byte, size), received: make(map[int]bool),
		merkleRoot: f.Get("MERKLE_ROOT"),
	}
	s.mu.Lock()
	s.sessions[transferID] = sess
	s.mu.Unlock()
	sess.offerTmr = time.AfterFunc(offerTimeout, func() { s.expireOffer(transferID) })

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileOffered, Payload: FileOffered{
		TransferID: transferID, From: f.Get("FROM"), Filename: f.Get("FILENAME"), Size: size,
	}})
}

func (s *Service) expireOffer(transferID string) {
	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.t.State != StateOffered {
		sess.mu.Unlock()
		return
	}
	sess.t.State = StateFailed
	sess.mu.Unlock()

	s.log.Debug("transfer %s: %v", transferID, lsnperr.ErrSessionTimeout)
	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileFailed, Payload: FileFailed{TransferID: transferID, Reason: "offer timed out"}})
}

// Accept answers an incoming offer affirmatively and enters transferring;
// the sender learns of this via the FILE_ACCEPT frame and starts chunking.
func (s *Service) Accept(ctx context.Context, transferID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: unknown transfer %s", transferID)
	}

	sess.mu.Lock()
	if sess.t.Outgoing || sess.t.State != StateOffered {
		sess.mu.Unlock()
		return fmt.Errorf("filetransfer: transfer %s not awaiting a local decision", transferID)
	}
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.t.State = StateTransferring
	peer, dest := sess.t.Peer, sess.dest
	sess.mu.Unlock()

	fields := wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("FROM", s.selfUserID).
		Set("TO", peer).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeFileAccept, fields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, transferID, raw, dest)
	return nil
}

// Reject declines an incoming offer.
func (s *Service) Reject(ctx context.Context, transferID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: unknown transfer %s", transferID)
	}

	sess.mu.Lock()
	if sess.t.Outgoing || sess.t.State != StateOffered {
		sess.mu.Unlock()
		return fmt.Errorf("filetransfer: transfer %s not awaiting a local decision", transferID)
	}
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.t.State = StateCancelled
	peer, dest := sess.t.Peer, sess.dest
	sess.mu.Unlock()

	fields := wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("FROM", s.selfUserID).
		Set("TO", peer).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeFileReject, fields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, transferID, raw, dest)
	return nil
}

func (s *Service) handleFileAccept(f wire.Frame) {
	transferID := f.Get("TRANSFER_ID")
	s.ackDelivery(f, transferID)

	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if !sess.t.Outgoing || sess.t.State != StateOffered {
		sess.mu.Unlock()
		return
	}
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.t.State = StateTransferring
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.mu.Unlock()

	go s.sendChunks(ctx, sess)
}

func (s *Service) handleFileReject(f wire.Frame) {
	transferID := f.Get("TRANSFER_ID")
	s.ackDelivery(f, transferID)

	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if !sess.t.Outgoing || sess.t.State != StateOffered {
		sess.mu.Unlock()
		return
	}
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.t.State = StateCancelled
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileFailed, Payload: FileFailed{TransferID: transferID, Reason: "rejected by peer"}})
}

// sendChunks fans a transfer's chunks out under a bounded concurrency window
// (spec §4.9: "sender maintains a window of default 8 unacked chunks"),
// mirroring the teacher's channel-gated worker pool in services/peer's
// downloader.
func (s *Service) sendChunks(ctx context.Context, sess *session) {
	sess.mu.Lock()
	total := sess.t.ChunksTotal
	transferID := sess.t.TransferID
	dest := sess.dest
	chunks := sess.chunks
	chunkHash := sess.chunkHash
	sess.mu.Unlock()

	sem := make(chan struct{}, s.window)
	var wg sync.WaitGroup
	var failedOnce sync.Once
	failed := make(chan struct{})

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-failed:
			wg.Wait()
			s.finishFailed(sess)
			return
		case sem <- struct{}{}:
		}

		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			fields := wire.NewFields().
				Set("TRANSFER_ID", transferID).
				Set("MESSAGE_ID", chunkKey(transferID, idx)).
				Set("CHUNK_INDEX", strconv.Itoa(idx)).
				Set("CHUNK_HASH", chunkHash[idx]).
				Set("TOKEN", s.mintToken())
			raw, err := wire.Encode(wire.TypeFileData, fields, chunks[idx])
			if err != nil {
				s.log.Warn("encode FILE_DATA chunk %d: %v", idx, err)
				failedOnce.Do(func() { close(failed) })
				return
			}
			if res := <-s.tr.SendReliable(ctx, chunkKey(transferID, idx), raw, dest); res != transport.Acked {
				failedOnce.Do(func() { close(failed) })
				return
			}
			s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileProgress, Payload: FileProgress{TransferID: transferID, ChunkIndex: idx, ChunksTotal: total}})
		}()
	}
	wg.Wait()

	select {
	case <-failed:
		s.finishFailed(sess)
	default:
		s.sendComplete(sess)
	}
}

func (s *Service) finishFailed(sess *session) {
	sess.mu.Lock()
	if sess.t.State == StateCompleted || sess.t.State == StateCancelled {
		sess.mu.Unlock()
		return
	}
	sess.t.State = StateFailed
	transferID := sess.t.TransferID
	dest := sess.dest
	sess.mu.Unlock()

	raw, err := wire.Encode(wire.TypeFileCancel, wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("TOKEN", s.mintToken()), nil)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.tr.SendUnicast(ctx, raw, dest)
		cancel()
	}

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileFailed, Payload: FileFailed{TransferID: transferID, Reason: "chunk delivery exhausted retries"}})
}

func (s *Service) sendComplete(sess *session) {
	sess.mu.Lock()
	sess.t.State = StateCompleted
	transferID := sess.t.TransferID
	filename := sess.t.Filename
	data := sess.data
	dest := sess.dest
	sess.mu.Unlock()

	raw, err := wire.Encode(wire.TypeFileComplete, wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("TOKEN", s.mintToken()), nil)
	if err != nil {
		s.log.Warn("encode FILE_COMPLETE: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	<-s.tr.SendReliable(ctx, transferID, raw, dest)
	cancel()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileCompleted, Payload: FileCompleted{TransferID: transferID, Filename: filename, Data: data}})
}

func (s *Service) handleFileData(f wire.Frame) {
	transferID := f.Get("TRANSFER_ID")
	idx, err := strconv.Atoi(f.Get("CHUNK_INDEX"))
	if err != nil {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok || sess.t.Outgoing {
		return
	}

	if !verifyChunkHash(f.Body, f.Get("CHUNK_HASH")) {
		s.log.Warn("filetransfer: chunk %d of %s: %v, dropping", idx, transferID, lsnperr.ErrProtocolViolation)
		return
	}
	s.ackDelivery(f, chunkKey(transferID, idx))

	sess.mu.Lock()
	if sess.t.State != StateTransferring {
		sess.mu.Unlock()
		return
	}
	if sess.received[idx] {
		sess.mu.Unlock()
		s.log.Debug("filetransfer: chunk %d of %s: %v", idx, transferID, lsnperr.ErrDuplicate)
		return
	}
	start := idx * sess.t.ChunkSize
	if start < 0 || start >= len(sess.data) {
		sess.mu.Unlock()
		return
	}
	end := start + len(f.Body)
	if end > len(sess.data) {
		end = len(sess.data)
	}
	copy(sess.data[start:end], f.Body)
	sess.received[idx] = true
	count, total := len(sess.received), sess.t.ChunksTotal
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileProgress, Payload: FileProgress{TransferID: transferID, ChunkIndex: idx, ChunksReceived: count, ChunksTotal: total}})
}

func (s *Service) handleFileComplete(f wire.Frame) {
	transferID := f.Get("TRANSFER_ID")
	s.ackDelivery(f, transferID)

	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok || sess.t.Outgoing {
		return
	}

	sess.mu.Lock()
	if sess.t.State == StateCompleted {
		sess.mu.Unlock()
		return
	}
	sess.t.State = StateCompleted
	data := sess.data
	chunkSize := sess.t.ChunkSize
	filename := sess.t.Filename
	root := sess.merkleRoot
	sess.mu.Unlock()

	if root != "" {
		chunks := splitChunks(data, chunkSize)
		hashes := make([][]byte, len(chunks))
		for i, c := range chunks {
			sum, _ := hex.DecodeString(hashChunk(c))
			hashes[i] = sum
		}
		if merkleRootHex(hashes) != root {
			sess.mu.Lock()
			sess.t.State = StateFailed
			sess.mu.Unlock()
			s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileFailed, Payload: FileFailed{TransferID: transferID, Reason: "assembled file does not match merkle root"}})
			return
		}
	}

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileCompleted, Payload: FileCompleted{TransferID: transferID, Filename: filename, Data: data}})
}

func (s *Service) handleFileCancel(f wire.Frame) {
	transferID := f.Get("TRANSFER_ID")
	s.ackDelivery(f, transferID)

	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.t.State == StateCompleted || sess.t.State == StateCancelled || sess.t.State == StateFailed {
		sess.mu.Unlock()
		return
	}
	sess.t.State = StateCancelled
	cancel := sess.cancel
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventFileFailed, Payload: FileFailed{TransferID: transferID, Reason: "cancelled by peer"}})
}

// Cancel lets the UI abort a transfer locally and notify the peer.
func (s *Service) Cancel(ctx context.Context, transferID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: unknown transfer %s", transferID)
	}

	sess.mu.Lock()
	if sess.t.State == StateCompleted || sess.t.State == StateCancelled || sess.t.State == StateFailed {
		sess.mu.Unlock()
		return nil
	}
	sess.t.State = StateCancelled
	dest := sess.dest
	cancel := sess.cancel
	if sess.offerTmr != nil {
		sess.offerTmr.Stop()
	}
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	raw, err := wire.Encode(wire.TypeFileCancel, wire.NewFields().
		Set("TRANSFER_ID", transferID).
		Set("MESSAGE_ID", transferID).
		Set("TOKEN", s.mintToken()), nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, transferID, raw, dest)
	return nil
}

// Get returns a snapshot of a known transfer.
func (s *Service) Get(transferID string) (Transfer, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[transferID]
	s.mu.Unlock()
	if !ok {
		return Transfer{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.t, true
}

// All returns a snapshot of every known transfer, for status reporting.
func (s *Service) All() []Transfer {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]Transfer, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, sess.t)
		sess.mu.Unlock()
	}
	return out
}

// FileOffered is the payload of an EventFileOffered event.
type FileOffered struct {
	TransferID string
	From       string
	Filename   string
	Size       int
}

// FileProgress is the payload of an EventFileProgress event.
type FileProgress struct {
	TransferID     string
	ChunkIndex     int
	ChunksReceived int
	ChunksTotal    int
}

// FileCompleted is the payload of an EventFileCompleted event. Data is the
// whole assembled (receiver) or original (sender) payload.
type FileCompleted struct {
	TransferID string
	Filename   string
	Data       []byte
}

// FileFailed is the payload of an EventFileFailed event.
type FileFailed struct {
	TransferID string
	Reason     string
}

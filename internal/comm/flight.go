package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// payloadSchema carries one activation partition per row.
var payloadSchema = arrow.NewSchema([]arrow.Field{
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

type mailKey struct {
	kind Kind
	src  int
}

// mailboxService is the receiving half: every DoPut lands in the mailbox of
// its (group kind, source rank) and waits there for a matching Recv.
type mailboxService struct {
	flight.BaseFlightServer

	mu    sync.Mutex
	boxes map[mailKey]chan []byte
	depth int
}

func (s *mailboxService) box(k mailKey) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.boxes[k]
	if !ok {
		ch = make(chan []byte, s.depth)
		s.boxes[k] = ch
	}
	return ch
}

func descriptorPath(k Kind, src int) []string {
	return []string{"quiver", k.String(), strconv.Itoa(src)}
}

func parseDescriptor(desc *flight.FlightDescriptor) (mailKey, error) {
	if desc == nil || len(desc.Path) != 3 || desc.Path[0] != "quiver" {
		return mailKey{}, fmt.Errorf("unexpected flight descriptor %v", desc)
	}
	var k Kind
	switch desc.Path[1] {
	case KindTensor.String():
		k = KindTensor
	case KindPipeline.String():
		k = KindPipeline
	default:
		return mailKey{}, fmt.Errorf("unknown group kind %q", desc.Path[1])
	}
	src, err := strconv.Atoi(desc.Path[2])
	if err != nil {
		return mailKey{}, fmt.Errorf("invalid source rank %q: %w", desc.Path[2], err)
	}
	return mailKey{kind: k, src: src}, nil
}

func (s *mailboxService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("failed to open record reader: %w", err)
	}
	defer rdr.Release()

	key, err := parseDescriptor(rdr.LatestFlightDescriptor())
	if err != nil {
		return err
	}
	box := s.box(key)

	for rdr.Next() {
		rec := rdr.Record()
		col, ok := rec.Column(0).(*array.Binary)
		if !ok {
			return fmt.Errorf("payload column has type %s", rec.Column(0).DataType())
		}
		for i := 0; i < col.Len(); i++ {
			msg := append([]byte(nil), col.Value(i)...)
			select {
			case box <- msg:
			case <-stream.Context().Done():
				return stream.Context().Err()
			}
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// FlightTransport is a Communicator between processes. Each rank serves
// Arrow Flight; a send is a DoPut of one record to the peer's server.
// Each (kind, source) mailbox holds DefaultDepth records. A DoPut past that
// waits until the owner receives, so Send blocks the same way it does on a
// Fabric.
type FlightTransport struct {
	rank   int
	server flight.Server
	svc    *mailboxService
	mem    memory.Allocator

	mu      sync.Mutex
	peers   []string
	clients map[int]flight.Client
}

// NewFlightTransport starts serving on addr for the given global rank.
// Use ":0" to pick a free port and Addr to read it back.
func NewFlightTransport(rank int, addr string) (*FlightTransport, error) {
	svc := &mailboxService{boxes: make(map[mailKey]chan []byte), depth: DefaultDepth}
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)

	ft := &FlightTransport{
		rank:    rank,
		server:  srv,
		svc:     svc,
		mem:     memory.NewGoAllocator(),
		clients: make(map[int]flight.Client),
	}
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "rank", rank, "error", err)
		}
	}()
	logger.Log.Info("Flight transport listening", "rank", rank, "addr", ft.Addr())
	return ft, nil
}

func (ft *FlightTransport) Addr() string {
	return ft.server.Addr().String()
}

// Connect records the peer addresses, indexed by global rank. Clients are
// dialed lazily on first send and wait for the peer to come up.
func (ft *FlightTransport) Connect(peers []string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.peers = append([]string(nil), peers...)
}

func (ft *FlightTransport) client(global int) (flight.Client, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if c, ok := ft.clients[global]; ok {
		return c, nil
	}
	if global < 0 || global >= len(ft.peers) {
		return nil, device.Preconditionf("no peer address for rank %d (have %d)", global, len(ft.peers))
	}
	c, err := flight.NewClientWithMiddleware(ft.peers[global], nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client for rank %d: %w", global, err)
	}
	ft.clients[global] = c
	return c, nil
}

func (ft *FlightTransport) put(ctx context.Context, g Group, data []byte, dst int) error {
	c, err := ft.client(g.Global(dst))
	if err != nil {
		return err
	}
	stream, err := c.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut to rank %d: %w", g.Global(dst), err)
	}

	b := array.NewBinaryBuilder(ft.mem, arrow.BinaryTypes.Binary)
	defer b.Release()
	b.Append(data)
	col := b.NewArray()
	defer col.Release()
	rec := array.NewRecord(payloadSchema, []arrow.Array{col}, 1)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(payloadSchema), ipc.WithAllocator(ft.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: descriptorPath(g.Kind, g.Self()),
	})
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	// The server returns once the payload sits in the peer mailbox, which
	// keeps consecutive sends on a link ordered.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("DoPut to rank %d failed: %w", g.Global(dst), err)
		}
	}
}

func (ft *FlightTransport) take(ctx context.Context, g Group, into []byte, src int) error {
	box := ft.svc.box(mailKey{kind: g.Kind, src: g.Global(src)})
	select {
	case msg := <-box:
		if len(msg) != len(into) {
			return device.Preconditionf("received %d bytes from rank %d, expected %d", len(msg), g.Global(src), len(into))
		}
		copy(into, msg)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recv from rank %d: %w", g.Global(src), ctx.Err())
	}
}

func (ft *FlightTransport) Send(ctx context.Context, t device.Tensor, dst int, g Group) error {
	if err := checkPeer(g, dst); err != nil {
		return err
	}
	return ft.put(ctx, g, t.Raw(), dst)
}

func (ft *FlightTransport) Recv(ctx context.Context, t device.Tensor, src int, g Group) error {
	if err := checkPeer(g, src); err != nil {
		return err
	}
	return ft.take(ctx, g, t.Raw(), src)
}

func (ft *FlightTransport) AllGather(ctx context.Context, t device.Tensor, g Group) error {
	return gather(ctx, t, g,
		func(ctx context.Context, data []byte, dst int) error { return ft.put(ctx, g, data, dst) },
		func(ctx context.Context, into []byte, src int) error { return ft.take(ctx, g, into, src) },
	)
}

// Close stops the server and drops peer connections.
func (ft *FlightTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var errs []error
	for r, c := range ft.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client %d: %w", r, err))
		}
	}
	ft.clients = make(map[int]flight.Client)
	ft.server.Shutdown()
	return errors.Join(errs...)
}

// Package command implements the command dispatch lifecycle of spec §4.8:
// assemble a request, resolve a node, acquire a pooled connection, send,
// read and parse the reply, and retry according to the timeout/retry FSM,
// mapping server result codes into the shared error taxonomy.
package command

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvmesh/kvmesh-go/internal/cluster"
	"github.com/kvmesh/kvmesh-go/internal/codec"
	"github.com/kvmesh/kvmesh-go/internal/kverrors"
	"github.com/kvmesh/kvmesh-go/internal/resolver"
)

// Kind names the command shape being dispatched, used for span naming and
// for deciding whether a failed attempt may be in-doubt.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindDelete
	KindTouch
	KindExists
	KindOperate
	KindUDF
	KindBatchRead
	KindBatchOperate
	KindBatchUDF
	KindBatchDelete
	KindScan
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindDelete:
		return "delete"
	case KindTouch:
		return "touch"
	case KindExists:
		return "exists"
	case KindOperate:
		return "operate"
	case KindUDF:
		return "udf"
	case KindBatchRead:
		return "batch_read"
	case KindBatchOperate:
		return "batch_operate"
	case KindBatchUDF:
		return "batch_udf"
	case KindBatchDelete:
		return "batch_delete"
	case KindScan:
		return "scan"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// IsWrite reports whether a command of this kind mutates data, and
// therefore may fail in-doubt rather than safely-retryable.
func (k Kind) IsWrite() bool {
	switch k {
	case KindWrite, KindDelete, KindTouch, KindOperate, KindUDF, KindBatchOperate, KindBatchUDF, KindBatchDelete:
		return true
	default:
		return false
	}
}

// Policy is the minimal per-operation routing/retry policy the command
// engine reads, per SPEC_FULL.md §3. Value serialization, expressions, and
// bin filters are out of scope (external collaborators).
type Policy struct {
	Replica             resolver.Policy
	ReadModeSC          resolver.ReadMode
	MaxRetries          int
	SleepBetweenRetries time.Duration
	TotalTimeout        time.Duration
	SocketTimeout       time.Duration
	FailOnClusterChange bool
}

// DefaultPolicy mirrors the teacher's DefaultConfig idiom: a usable set of
// defaults a caller can start from and override selectively.
func DefaultPolicy() Policy {
	return Policy{
		Replica:             resolver.PolicyMaster,
		MaxRetries:          2,
		SleepBetweenRetries: 10 * time.Millisecond,
		TotalTimeout:        time.Second,
		SocketTimeout:       200 * time.Millisecond,
	}
}

// Request assembles one command's request frame. Fields/Ops are supplied
// pre-built by the caller, since per-operation value serialization is out
// of the core's scope (SPEC_FULL.md §1); the engine owns frame/message
// header assembly, namespace/set/digest fields, partition resolution, node
// acquisition, and reply parsing.
type Request struct {
	Namespace         string
	Set               string
	Digest            []byte // >=4 bytes; first 4 (LE) select the partition
	Policy            Policy
	Kind              Kind
	StrongConsistency bool
	ExtraFields       []codec.Field
	Ops               []codec.Operation
}

// Result is a dispatched command's parsed outcome.
type Result struct {
	Groups   []codec.RecordGroup
	Node     string
	Attempts int
}

// Engine dispatches commands against a Cluster using a Resolver for
// routing. Grounded on `pkg/client/binary_client.go`'s request/flush/
// read-header/parse round trip, generalized into the retry FSM of spec
// §4.8.
type Engine struct {
	cluster  *cluster.Cluster
	resolver *resolver.Resolver
	log      hclog.Logger
	tracer   trace.Tracer
}

// New builds an Engine over c, routing with r. Spans always go through the
// global (no-op by default) OpenTelemetry TracerProvider, so tracing costs
// nothing unless a caller wires an exporter in.
func New(c *cluster.Cluster, r *resolver.Resolver, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{cluster: c, resolver: r, log: log, tracer: otel.Tracer("kvmesh/command")}
}

// Execute runs req's full dispatch lifecycle: up to Policy.MaxRetries+1
// attempts, each resolving a node, acquiring a connection, sending the
// request, and parsing the reply, per spec §4.8 step 2.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	deadline := time.Now().Add(req.Policy.TotalTimeout)
	attempt := &resolver.Attempt{}
	effectivePolicy := req.Policy.Replica
	if req.StrongConsistency {
		effectivePolicy = resolver.RemapForStrongConsistency(req.Policy.Replica, req.Policy.ReadModeSC)
	}
	partition := resolver.PartitionForDigest(req.Digest)

	var lastErr error
	var lastWasTimeout bool
	maxAttempts := req.Policy.MaxRetries + 1

	for i := 0; i < maxAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, kverrors.Wrap(kverrors.Cancelled, "command cancelled", ctx.Err())
		default:
		}

		// Per spec §4.7, SEQUENCE/PREFER_RACK advance between attempts, so
		// the first attempt uses sequence 0; the LINEARIZE-timeout exception
		// only withholds that advance after an actual timeout failure.
		if i > 0 {
			attempt.Advance(req.Policy.ReadModeSC, lastWasTimeout)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		res, err, isTimeout := e.attempt(ctx, req, partition, effectivePolicy, attempt, i == maxAttempts-1, remaining)
		if err == nil {
			return res, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		lastWasTimeout = isTimeout

		if time.Now().After(deadline) {
			break
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(req.Policy.SleepBetweenRetries):
			case <-ctx.Done():
				return nil, kverrors.Wrap(kverrors.Cancelled, "command cancelled", ctx.Err())
			}
		}
	}

	if lastErr == nil {
		lastErr = kverrors.ErrTotalTimeout
	}
	final := kverrors.Wrap(kverrors.TimeoutTotal, "command exhausted retries", lastErr)
	if req.Kind.IsWrite() {
		final = final.WithInDoubt(true)
	}
	return nil, final
}

// attempt runs a single dispatch attempt and reports whether its failure
// (if any) was a socket timeout, which the resolver's retry rule needs.
func (e *Engine) attempt(ctx context.Context, req Request, partition int, policy resolver.Policy, attempt *resolver.Attempt, final bool, budget time.Duration) (*Result, error, bool) {
	_, span := e.tracer.Start(ctx, "kvmesh.command."+req.Kind.String(), trace.WithAttributes(
		attribute.Int("kvmesh.attempt", attempt.Sequence()),
		attribute.String("kvmesh.kind", req.Kind.String()),
	))
	defer span.End()

	pm := e.cluster.PartitionMap()
	parts, ok := pm.Get(req.Namespace)
	if !ok {
		err := kverrors.New(kverrors.Configuration, "unknown namespace").WithNode("")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err, false
	}

	rreq := resolver.Request{
		Namespace:    req.Namespace,
		Partition:    partition,
		Policy:       policy,
		ReadMode:     req.Policy.ReadModeSC,
		Attempt:      attempt,
		FinalAttempt: final,
	}
	node, err := e.resolver.Resolve(rreq, parts, e.cluster.Nodes(), e.cluster.NodeByName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err, false
	}
	span.SetAttributes(attribute.String("kvmesh.node", node.Name()))

	leased, err := node.Pools().Get()
	if err != nil {
		node.IncrementCommandErrors()
		wrapped := kverrors.Wrap(kverrors.Connection, "acquire pooled connection", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped, false
	}

	socketTimeout := req.Policy.SocketTimeout
	if socketTimeout <= 0 || budget < socketTimeout {
		socketTimeout = budget
	}
	if err := leased.Conn.SetTimeout(socketTimeout); err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		return nil, kverrors.Wrap(kverrors.Connection, "set socket timeout", err).WithNode(node.Name()), false
	}

	payload := assembleRequest(req)
	if err := leased.Conn.WriteAll(payload); err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		isTimeout := isDeadlineErr(err)
		kind := kverrors.Connection
		if isTimeout {
			kind = kverrors.TimeoutSocket
		}
		wrapped := kverrors.Wrap(kind, "send request", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped, isTimeout
	}

	_, _, body, err := codec.ReadFrame(leased.Conn.Reader(), make([]byte, 0, 4096))
	if err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		isTimeout := isDeadlineErr(err)
		kind := kverrors.Connection
		if isTimeout {
			kind = kverrors.TimeoutSocket
		}
		wrapped := kverrors.Wrap(kind, "read reply", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped, isTimeout
	}

	groups, err := codec.ParseGroups(body)
	if err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		wrapped := kverrors.Wrap(kverrors.ProtocolParse, "parse reply", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped, false
	}

	if appErr := firstApplicationError(groups, node.Name()); appErr != nil {
		// The connection itself is healthy; only the application result
		// was non-zero, so it goes back to the pool.
		node.Pools().Put(leased)
		span.RecordError(appErr)
		span.SetStatus(codes.Error, appErr.Error())
		return nil, appErr, false
	}

	node.Pools().Put(leased)
	span.SetStatus(codes.Ok, "")
	return &Result{Groups: groups, Node: node.Name(), Attempts: attempt.Sequence() + 1}, nil, false
}

// ExecuteOnNode dispatches a pre-assembled payload straight at node,
// skipping resolver-based node selection entirely. It exists for the batch
// planner, which resolves one target node per key group up front (grouping
// is the whole point of a batch sub-request) and then needs only the
// connection-acquisition/send/read/parse mechanics a normal attempt already
// provides, with no per-key retry loop of its own.
func (e *Engine) ExecuteOnNode(ctx context.Context, node *cluster.Node, payload []byte, budget time.Duration) ([]codec.RecordGroup, error) {
	_, span := e.tracer.Start(ctx, "kvmesh.command.batch_sub_request", trace.WithAttributes(
		attribute.String("kvmesh.node", node.Name()),
	))
	defer span.End()

	leased, err := node.Pools().Get()
	if err != nil {
		node.IncrementCommandErrors()
		wrapped := kverrors.Wrap(kverrors.Connection, "acquire pooled connection", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	if err := leased.Conn.SetTimeout(budget); err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		wrapped := kverrors.Wrap(kverrors.Connection, "set socket timeout", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	if err := leased.Conn.WriteAll(payload); err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		kind := kverrors.Connection
		if isDeadlineErr(err) {
			kind = kverrors.TimeoutSocket
		}
		wrapped := kverrors.Wrap(kind, "send batch sub-request", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	_, _, body, err := codec.ReadFrame(leased.Conn.Reader(), make([]byte, 0, 8192))
	if err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		kind := kverrors.Connection
		if isDeadlineErr(err) {
			kind = kverrors.TimeoutSocket
		}
		wrapped := kverrors.Wrap(kind, "read batch sub-reply", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	groups, err := codec.ParseGroups(body)
	if err != nil {
		node.Pools().Discard(leased)
		node.IncrementCommandErrors()
		wrapped := kverrors.Wrap(kverrors.ProtocolParse, "parse batch sub-reply", err).WithNode(node.Name())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}

	node.Pools().Put(leased)
	span.SetStatus(codes.Ok, "")
	return groups, nil
}

func assembleRequest(req Request) []byte {
	b := codec.NewBuilder()
	h := codec.MessageHeader{}
	if req.Kind.IsWrite() {
		h.WriteAttr |= codec.WriteAttrWrite
	} else {
		h.ReadAttr |= codec.ReadAttrRead
	}
	if req.StrongConsistency {
		switch req.Policy.ReadModeSC {
		case resolver.ReadModeLinearize:
			h.ReadAttr |= codec.ReadAttrConsistency
		case resolver.ReadModeSession:
			h.ReadAttr |= codec.ReadAttrSessionless
		}
	}
	b.Begin(h)
	b.AddField(codec.Field{Type: codec.FieldNamespace, Value: []byte(req.Namespace)})
	if req.Set != "" {
		b.AddField(codec.Field{Type: codec.FieldSetName, Value: []byte(req.Set)})
	}
	b.AddField(codec.Field{Type: codec.FieldDigest, Value: req.Digest})
	for _, f := range req.ExtraFields {
		b.AddField(f)
	}
	for _, op := range req.Ops {
		b.AddOperation(op)
	}
	return b.End()
}

// Server application result codes the core classifies into the error
// taxonomy per spec §7. The exact numeric codes are a server-protocol
// concern not enumerated in the distilled spec; these are the core's own
// stable internal assignment, not a reproduction of any specific server's
// wire values.
const (
	resultOK                   uint8 = 0
	resultNotFound             uint8 = 2
	resultRecordTooBig         uint8 = 13
	resultPartitionUnavailable uint8 = 11
	resultDeviceOverload       uint8 = 18
	resultTimeout              uint8 = 9
	resultBinNameInvalid       uint8 = 21
	resultFilteredOut          uint8 = 27
	resultUDFBadResponse       uint8 = 100
)

func isRetryableResultCode(code uint8) bool {
	switch code {
	case resultPartitionUnavailable, resultDeviceOverload, resultTimeout:
		return true
	default:
		return false
	}
}

// firstApplicationError inspects groups for a non-zero result code and
// maps it into the taxonomy. Retryable codes and not-found/filtered-out
// still surface as an *kverrors.Error; the caller (attempt) decides how
// the retry loop reacts.
func firstApplicationError(groups []codec.RecordGroup, node string) error {
	for _, g := range groups {
		code := g.Header.ResultCode
		if code == resultOK {
			continue
		}
		switch code {
		case resultNotFound:
			return kverrors.New(kverrors.ServerApplication, "record not found").WithResultCode(int(code)).WithNode(node)
		case resultFilteredOut:
			return kverrors.New(kverrors.ServerApplication, "record filtered out by policy predicate").WithResultCode(int(code)).WithNode(node)
		case resultRecordTooBig, resultBinNameInvalid:
			return kverrors.New(kverrors.ServerApplication, "fatal server application error").WithResultCode(int(code)).WithNode(node)
		case resultUDFBadResponse:
			return kverrors.New(kverrors.ServerApplication, "udf bad response").WithResultCode(int(code)).WithNode(node)
		default:
			if isRetryableResultCode(code) {
				return kverrors.New(kverrors.ServerApplication, "retryable server application error").WithResultCode(int(code)).WithNode(node)
			}
			return kverrors.New(kverrors.ServerApplication, "server application error").WithResultCode(int(code)).WithNode(node)
		}
	}
	return nil
}

// IsRetryable reports whether err's application result code (if any) is
// one the retry FSM should keep retrying rather than surface immediately.
// Connection and TimeoutSocket errors are always retryable; any other kind
// without a server result code is not; ServerApplication results are
// classified by their result code.
func IsRetryable(err error) bool {
	var e *kverrors.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != kverrors.ServerApplication || !e.HasCode {
		return e.Kind == kverrors.Connection || e.Kind == kverrors.TimeoutSocket
	}
	return isRetryableResultCode(uint8(e.ResultCode))
}

func isDeadlineErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	for e := err; e != nil; {
		if tt, ok := e.(timeouter); ok {
			t = tt
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return t != nil && t.Timeout()
}

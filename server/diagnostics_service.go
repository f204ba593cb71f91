package server

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/codecache/journal"
	"github.com/chazu/codecache/vm"
	"github.com/chazu/codecache/vm/heapstate"
)

// DiagnosticsServiceName is the fully qualified service name.
const DiagnosticsServiceName = "codecache.v1.DiagnosticsService"

// Procedure paths. Messages are protobuf well-known types so clients need no
// generated code.
const (
	SnapshotProcedure     = "/" + DiagnosticsServiceName + "/Snapshot"
	SnapshotCBORProcedure = "/" + DiagnosticsServiceName + "/SnapshotCBOR"
	ICStatsProcedure      = "/" + DiagnosticsServiceName + "/ICStats"
	SweepProcedure        = "/" + DiagnosticsServiceName + "/Sweep"
	RecentSweepsProcedure = "/" + DiagnosticsServiceName + "/RecentSweeps"
	DeoptimizeProcedure   = "/" + DiagnosticsServiceName + "/Deoptimize"
)

const defaultRecentSweeps = 20

// DiagnosticsService implements the diagnostics handlers.
type DiagnosticsService struct {
	rt      *vm.Runtime
	journal *journal.Journal
}

// NewDiagnosticsService creates a DiagnosticsService. j may be nil.
func NewDiagnosticsService(rt *vm.Runtime, j *journal.Journal) *DiagnosticsService {
	return &DiagnosticsService{rt: rt, journal: j}
}

// Handlers returns the Connect handler for each procedure.
func (s *DiagnosticsService) Handlers() map[string]http.Handler {
	return map[string]http.Handler{
		SnapshotProcedure:     connect.NewUnaryHandler(SnapshotProcedure, s.Snapshot),
		SnapshotCBORProcedure: connect.NewUnaryHandler(SnapshotCBORProcedure, s.SnapshotCBOR),
		ICStatsProcedure:      connect.NewUnaryHandler(ICStatsProcedure, s.ICStats),
		SweepProcedure:        connect.NewUnaryHandler(SweepProcedure, s.Sweep),
		RecentSweepsProcedure: connect.NewUnaryHandler(RecentSweepsProcedure, s.RecentSweeps),
		DeoptimizeProcedure:   connect.NewUnaryHandler(DeoptimizeProcedure, s.Deoptimize),
	}
}

// Snapshot summarizes the code heap.
func (s *DiagnosticsService) Snapshot(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	snap := heapstate.Capture(s.rt)

	states := make(map[string]any)
	for st, n := range snap.CountByState() {
		states[st] = n
	}
	heap := map[string]any{
		"capacity":    snap.Heap.Capacity,
		"used":        snap.Heap.Used,
		"peak":        snap.Heap.Peak,
		"fullness":    snap.Heap.Fullness,
		"freeBlocks":  len(snap.FreeBlocks),
		"largestFree": snap.LargestFreeBlock(),
	}
	out, err := structpb.NewStruct(map[string]any{
		"epoch":              snap.Epoch,
		"heap":               heap,
		"methods":            states,
		"adapters":           len(snap.Adapters),
		"stubs":              len(snap.Stubs),
		"compilationEnabled": s.rt.CodeCache().CompilationEnabled(),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// SnapshotCBOR returns the full snapshot in its canonical CBOR encoding.
func (s *DiagnosticsService) SnapshotCBOR(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[wrapperspb.BytesValue], error) {
	data, err := heapstate.Marshal(heapstate.Capture(s.rt))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(wrapperspb.Bytes(data)), nil
}

// ICStats aggregates call site states and counters.
func (s *DiagnosticsService) ICStats(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	ic := s.rt.ICStats()
	out, err := structpb.NewStruct(map[string]any{
		"sites":        ic.TotalSites,
		"clean":        ic.CleanSites,
		"monomorphic":  ic.MonomorphicSites,
		"megamorphic":  ic.MegamorphicSites,
		"staleHolder":  ic.StaleHolderSites,
		"inTransition": ic.InTransition,
		"hits":         ic.TotalHits,
		"misses":       ic.TotalMisses,
		"patches":      ic.TotalPatches,
		"hitRate":      ic.HitRate(),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// Sweep runs one sweep cycle and reports it.
func (s *DiagnosticsService) Sweep(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	stats := s.rt.Sweeper().SweepNow()
	out, err := structpb.NewStruct(sweepFields(stats.Epoch, stats.Forced, stats.Flushed,
		stats.MadeNotEntrant, stats.MadeZombie, stats.BytesFlushed, stats.FullnessAfter))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// RecentSweeps lists journaled sweeps, newest first. The request value is
// the limit; zero asks for the default.
func (s *DiagnosticsService) RecentSweeps(
	ctx context.Context,
	req *connect.Request[wrapperspb.Int32Value],
) (*connect.Response[structpb.ListValue], error) {
	if s.journal == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no journal configured"))
	}
	limit := int(req.Msg.GetValue())
	if limit < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("limit must not be negative"))
	}
	if limit == 0 {
		limit = defaultRecentSweeps
	}

	records, err := s.journal.RecentSweeps(ctx, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	items := make([]any, 0, len(records))
	for _, r := range records {
		items = append(items, sweepFields(r.Epoch, r.Forced, r.Flushed,
			r.MadeNotEntrant, r.MadeZombie, r.BytesFlushed, r.FullnessAfter))
	}
	out, err := structpb.NewList(items)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// Deoptimize makes the compiled method with the given record ID not
// entrant. It runs as a pump operation when the pump is up. The response
// reports whether this call changed the method's state.
func (s *DiagnosticsService) Deoptimize(
	ctx context.Context,
	req *connect.Request[wrapperspb.Int64Value],
) (*connect.Response[wrapperspb.BoolValue], error) {
	id := int(req.Msg.GetValue())
	var target *vm.CompiledMethod
	for _, cm := range s.rt.CodeCache().Snapshot() {
		if cm.ID() == id {
			target = cm
			break
		}
	}
	if target == nil {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("compiled method %d not found", id))
	}

	changed := false
	if s.rt.Pump().Running() {
		op := &vm.FuncOp{
			OpName:    "Deoptimize",
			Safepoint: true,
			Fn: func(rt *vm.Runtime, t *vm.Thread) error {
				changed = rt.MakeNotEntrant(target)
				return nil
			},
		}
		if err := s.rt.Pump().Execute(nil, op); err != nil {
			return nil, connect.NewError(connect.CodeUnavailable, err)
		}
	} else {
		changed = s.rt.MakeNotEntrant(target)
	}
	if changed {
		log.Infof("deoptimized %s on request", target.Method())
	}
	return connect.NewResponse(wrapperspb.Bool(changed)), nil
}

func sweepFields(epoch int64, forced bool, flushed, notEntrant, zombie int, bytes int64, fullness float64) map[string]any {
	return map[string]any{
		"epoch":          epoch,
		"forced":         forced,
		"flushed":        flushed,
		"madeNotEntrant": notEntrant,
		"madeZombie":     zombie,
		"bytesFlushed":   bytes,
		"fullnessAfter":  fullness,
	}
}

package cmd

import (
	"context"

	"github.com/yanghaoming95/riscv-boom/proto/rename"
	"github.com/yanghaoming95/riscv-boom/proto/snapshot"
	"github.com/yanghaoming95/riscv-boom/proto/tracedb"
)

// recorder stores per-class pool state into a run every n-th cycle. The CBOR
// snapshot is kept only when asked for; the digest is always stored.
type recorder struct {
	db    *tracedb.DB
	run   *tracedb.Run
	codec snapshot.Codec
	every uint64
	keep  bool
	steps uint64
}

// openRecorder starts a run in the database at path. A nil recorder is
// returned, and is safe to use, when path is empty or every is 0.
func openRecorder(ctx context.Context, path string, every int, keep bool, runConfig string) (*recorder, error) {
	if path == "" || every <= 0 {
		return nil, nil
	}
	codec, err := snapshot.NewCodec()
	if err != nil {
		return nil, err
	}
	db, err := tracedb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	run, err := db.StartRun(ctx, runConfig)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &recorder{db: db, run: run, codec: codec, every: uint64(every), keep: keep}, nil
}

// observe records the stage state after its latest cycle.
func (r *recorder) observe(ctx context.Context, stage *rename.Stage) error {
	if r == nil || stage.Cycle()%r.every != 0 {
		return nil
	}
	for _, a := range stage.Adapters() {
		pool := a.Pool()
		digest, data, err := r.codec.Digest(pool.Snapshot())
		if err != nil {
			return err
		}
		committed := -1
		if c := pool.Committed(); c != nil {
			committed = int(c.Count())
		}
		step := tracedb.Step{
			Cycle:          stage.Cycle(),
			Class:          a.Config().Name,
			FreeCount:      pool.FreeCount(),
			CommittedCount: committed,
			Digest:         digest,
		}
		if r.keep {
			step.Snapshot = data
		}
		if err := r.run.Record(ctx, step); err != nil {
			return err
		}
		r.steps++
	}
	return nil
}

// Close ends the run and closes the database.
func (r *recorder) Close() error {
	if r == nil {
		return nil
	}
	err := r.run.Close()
	if cerr := r.db.Close(); err == nil {
		err = cerr
	}
	return err
}

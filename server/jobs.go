// Copyright © 2018 NAME HERE <EMAIL ADDRESS>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/uviespace/CCS-sub002/ccsds"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job states
const (
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Input formats accepted by a job
const (
	FormatNCTRS = "nctrs"
	FormatPool  = "pool"
)

// Job is one demultiplexing run over an uploaded stream. It owns its
// demultiplexer, its counters and the packet pool it produced.
type Job struct {
	ID      ksuid.KSUID
	Format  string
	Created time.Time

	cancel context.CancelFunc
	seq    uint64

	mu       sync.Mutex
	status   JobStatus
	err      error
	finished time.Time
	stats    ccsds.Stats
	pool     bytes.Buffer
}

// JobInfo is the JSON view of a job.
type JobInfo struct {
	ID        string      `json:"id"`
	Format    string      `json:"format"`
	Status    JobStatus   `json:"status"`
	Error     string      `json:"error,omitempty"`
	Created   time.Time   `json:"created"`
	Finished  *time.Time  `json:"finished,omitempty"`
	Stats     ccsds.Stats `json:"stats"`
	PoolBytes int         `json:"pool_bytes"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:        j.ID.String(),
		Format:    j.Format,
		Status:    j.status,
		Created:   j.Created,
		Stats:     j.stats,
		PoolBytes: j.pool.Len(),
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	if !j.finished.IsZero() {
		t := j.finished
		info.Finished = &t
	}
	return info
}

// Pool returns a copy of the packets extracted so far, concatenated as a
// .tmpool file.
func (j *Job) Pool() []byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	return bytes.Clone(j.pool.Bytes())
}

// Cancel stops a running job at its next read.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) add(p ccsds.Packet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pool.Write(p)
	j.stats.Packets++
}

func (j *Job) finish(stats ccsds.Stats, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stats = stats
	j.finished = time.Now()
	j.err = err
	switch {
	case err == nil:
		j.status = JobDone
	case errors.Is(err, context.Canceled):
		j.status = JobCancelled
	default:
		j.status = JobFailed
	}
}

// Run reads body to its end, or until ctx is cancelled, and extracts
// packets. NCTRS input goes through a demultiplexer built from opts; pool
// input is segmented directly and checked against policy. Every accepted
// packet is stored in the job pool and passed to emit.
func (j *Job) Run(ctx context.Context, body io.Reader, policy ccsds.CRCPolicy, opts []func(*ccsds.Demuxer), emit func(ccsds.Packet)) JobInfo {
	r := ctxReader{ctx: ctx, r: body}
	fn := func(p ccsds.Packet) error {
		j.add(p)
		if emit != nil {
			emit(p)
		}
		return nil
	}

	var stats ccsds.Stats
	var err error
	switch j.Format {
	case FormatPool:
		stats, err = segmentPool(r, policy, fn)
	default:
		stats, err = ccsds.Demux(r, fn, append([]func(*ccsds.Demuxer){ccsds.DemuxerOptCRC(policy)}, opts...)...)
	}
	if err != nil {
		err = fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.finish(stats, err)
	return j.Info()
}

// segmentPool reads raw packets. Pool files have reliable boundaries, so a
// packet failing its PEC is counted and skipped rather than resynchronized.
func segmentPool(r io.Reader, policy ccsds.CRCPolicy, fn func(ccsds.Packet) error) (ccsds.Stats, error) {
	var stats ccsds.Stats
	err := ccsds.ReadPackets(r, func(p ccsds.Packet) error {
		if p.IsIdle() {
			stats.IdlePackets++
			return nil
		}
		if policy.Required(p.APID()) && !ccsds.VerifyPEC(p) {
			stats.CRCErrors++
			stats.TrashBytes += len(p)
			return nil
		}
		stats.Packets++
		return fn(append(ccsds.Packet(nil), p...))
	})
	var te *ccsds.TruncatedError
	if errors.As(err, &te) {
		stats.Truncated = true
		stats.Remainder = bytes.Clone(te.Partial)
		return stats, nil
	}
	return stats, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Registry holds the jobs of one server.
type Registry struct {
	mu   sync.Mutex
	jobs map[ksuid.KSUID]*Job
	max  int
	seq  uint64
}

// NewRegistry returns an empty registry retaining at most limit jobs. Zero
// means no limit.
func NewRegistry(limit int) *Registry {
	return &Registry{jobs: make(map[ksuid.KSUID]*Job), max: limit}
}

// Start registers a new running job and returns it with the context its
// Run must use.
func (r *Registry) Start(ctx context.Context, format string) (*Job, context.Context, error) {
	if format != FormatNCTRS && format != FormatPool {
		return nil, nil, fmt.Errorf("unknown input format %q", format)
	}
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		ID:      ksuid.New(),
		Format:  format,
		Created: time.Now(),
		cancel:  cancel,
		status:  JobRunning,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict()
	r.seq++
	j.seq = r.seq
	r.jobs[j.ID] = j
	return j, ctx, nil
}

// evict drops the oldest finished jobs until there is room for one more.
func (r *Registry) evict() {
	if r.max <= 0 || len(r.jobs) < r.max {
		return
	}
	for _, j := range r.sorted() {
		if len(r.jobs) < r.max {
			return
		}
		if j.Info().Status != JobRunning {
			delete(r.jobs, j.ID)
		}
	}
}

// sorted returns the jobs in creation order. r.mu must be held.
func (r *Registry) sorted() []*Job {
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].seq < jobs[b].seq })
	return jobs
}

// Get looks a job up by its string id.
func (r *Registry) Get(id string) (*Job, bool) {
	k, err := ksuid.Parse(id)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[k]
	return j, ok
}

// Remove cancels a job and forgets it.
func (r *Registry) Remove(id string) bool {
	j, ok := r.Get(id)
	if !ok {
		return false
	}
	j.Cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, j.ID)
	return true
}

// List returns every job, oldest first.
func (r *Registry) List() []JobInfo {
	r.mu.Lock()
	jobs := r.sorted()
	r.mu.Unlock()

	infos := make([]JobInfo, len(jobs))
	for i, j := range jobs {
		infos[i] = j.Info()
	}
	return infos
}

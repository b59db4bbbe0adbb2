package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pg-sharding/mcopy/pkg/attparse"
	"github.com/pg-sharding/mcopy/pkg/dialect"
	"github.com/pg-sharding/mcopy/pkg/dispatch"
	"github.com/pg-sharding/mcopy/pkg/frameio"
)

// RunUnload executes COPY TO: every worker formats its own rows and the
// coordinator funnels them into dst in arrival order, whole rows only.
// With ON SEGMENT the workers write per-segment files instead and dst is
// ignored.
func (c *Command) RunUnload(ctx context.Context, dst frameio.Peer) (*Summary, error) {
	d := c.st.D

	sql := dispatch.RewriteCommand(c.st.Rel.Name, c.cols, d, dialect.DirectionUnload,
		c.st.Filename, c.st.Program)

	if err := c.openSessions(ctx, sql, false, !d.OnSegment); err != nil {
		c.closeSessions()
		return nil, err
	}
	defer c.closeSessions()

	if d.OnSegment {
		return c.drain(false, nil)
	}

	/* stream-wide framing is the coordinator's: one signature and one
	   header row no matter how many workers contribute */
	var head []byte
	if d.Mode == dialect.ModeBinary {
		head = attparse.FormatBinaryHeader(head, d.WithOIDs)
	} else if d.Header {
		head = attparse.FormatHeader(head, d, c.attrs, dialect.EOLBytes(d.EOL))
	}
	if len(head) > 0 {
		if _, err := dst.Write(head); err != nil {
			return nil, err
		}
	}

	if err := c.fanIn(ctx, dst); err != nil {
		return nil, err
	}

	if d.Mode == dialect.ModeBinary {
		if _, err := dst.Write(attparse.FormatBinaryTrailer(nil)); err != nil {
			return nil, err
		}
	}
	if err := dst.Flush(); err != nil {
		return nil, err
	}

	return c.collect(nil)
}

// fanIn runs one receiver per session and a single writer, the calling
// goroutine. Rows move at CopyData granularity, so output never interleaves
// mid-row.
func (c *Command) fanIn(ctx context.Context, dst frameio.Peer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	rows := make(chan []byte, 2*len(c.sessions))

	for _, s := range c.sessions {
		s := s
		g.Go(func() error {
			return s.ReceiveRows(gctx, rows)
		})
	}
	go func() {
		_ = g.Wait()
		close(rows)
	}()

	var werr error
	for chunk := range rows {
		if werr != nil {
			continue /* drain so the receivers can finish */
		}
		if _, err := dst.Write(chunk); err != nil {
			werr = err
			cancel()
		}
	}

	if err := g.Wait(); err != nil && werr == nil {
		werr = err
	}
	return werr
}

package suit

import (
	"context"
	"fmt"

	felutils "github.com/JoshuaDoes/sunxi-usbfel"
	"github.com/JoshuaDoes/sunxi-usbfel/livesuit"
	"github.com/JoshuaDoes/sunxi-usbfel/sparse"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const queueDepth = 64

// piece is a unit of work passed from the producer to the consumer. A piece without data is
// a range to skip, block is the size of the zero block written if it ends the partition.
type piece struct {
	data   []byte
	length int64
	block  int64
	weight int64
}

// pipeline writes one partition: the producer decodes into a FIFO bounded by queued bytes, the
// consumer alone talks to the device and tags the last declared piece with finish.
type pipeline struct {
	f       *Suit
	name    string
	address uint32
	total   int64
	pieces  int
	produce func(emit func(piece) error) error
}

func (p *pipeline) run() error {
	g, ctx := errgroup.WithContext(context.Background())
	ceiling := p.f.cfg.MaxQueueBytes
	sem := semaphore.NewWeighted(ceiling)
	queue := make(chan piece, queueDepth)

	g.Go(func() error {
		defer close(queue)
		return p.produce(func(pc piece) error {
			pc.weight = min(int64(len(pc.data)), ceiling)
			if err := sem.Acquire(ctx, pc.weight); err != nil {
				return err
			}
			select {
			case queue <- pc:
				return nil
			case <-ctx.Done():
				sem.Release(pc.weight)
				return ctx.Err()
			}
		})
	})

	g.Go(func() error {
		s := p.f.Session()
		tags := felutils.TagsOf()
		progress := p.f.percent(p.name, int(p.total))
		address := p.address
		index := 0
		var done int64
		for pc := range queue {
			if err := ctx.Err(); err != nil {
				return err
			}
			last := index == p.pieces-1
			index++
			err := p.write(s, &address, tags, pc, last, done, progress)
			sem.Release(pc.weight)
			if err != nil {
				return err
			}
			done += pc.length
			progress(int(done))
		}
		if index != p.pieces {
			return fmt.Errorf("%s: producer sent %d pieces, %d declared", p.name, index, p.pieces)
		}
		return nil
	})

	return g.Wait()
}

func (p *pipeline) write(s *felutils.Session, address *uint32, tags felutils.Tags, pc piece, last bool, done int64, progress felutils.Progress) error {
	if pc.data == nil {
		if !last {
			*address = s.AddressAfter(*address, int(pc.length), tags, felutils.ModeFES)
			return nil
		}
		// The finish tag still has to reach the device, so the tail of a trailing gap is written
		block := min(pc.block, pc.length)
		*address = s.AddressAfter(*address, int(pc.length-block), tags, felutils.ModeFES)
		pc.data = make([]byte, block)
	}
	err := s.Write(*address, pc.data, tags, felutils.ModeFES, !last, func(n int) {
		progress(int(done) + n)
	})
	if err != nil {
		return err
	}
	*address = s.AddressAfter(*address, len(pc.data), tags, felutils.ModeFES)
	return nil
}

func (f *Suit) pipeSparse(name string, address uint32, img *sparse.Image) error {
	p := &pipeline{
		f:       f,
		name:    name,
		address: address,
		total:   img.FinalSize(),
		pieces:  img.OutputChunks(),
		produce: func(emit func(piece) error) error {
			return img.Each(func(c sparse.Chunk) error {
				return emit(piece{data: c.Data, length: c.Len, block: int64(img.BlockSize)})
			})
		},
	}
	return p.run()
}

func (f *Suit) pipeRaw(name string, address uint32, it *livesuit.Item) error {
	total := int64(it.DataLen)
	p := &pipeline{
		f:       f,
		name:    name,
		address: address,
		total:   total,
		pieces:  int((total + rawSliceSize - 1) / rawSliceSize),
		produce: func(emit func(piece) error) error {
			return f.img.EachItemChunk(it, rawSliceSize, func(b []byte) error {
				return emit(piece{data: b, length: int64(len(b))})
			})
		},
	}
	return p.run()
}

package imagery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"tiler/internal/level"
	"tiler/internal/retrieve"
)

const maxLoggedBody = 2048

// postProcessor stores one downloaded tile.
type postProcessor struct {
	layer *Layer
	tile  *level.Tile
	done  func(Outcome)
}

// fetchingRetriever flags the tile as Fetching once a worker starts it.
type fetchingRetriever struct {
	retrieve.Retriever
	start func()
}

func (r fetchingRetriever) Retrieve(ctx context.Context) *retrieve.Result {
	r.start()
	return r.Retriever.Retrieve(ctx)
}

func (p *postProcessor) PostProcess(res *retrieve.Result) {
	out := p.handle(res)
	out.Key = p.tile.Key()
	p.layer.setState(out.Key, out.State)
	if p.done != nil {
		p.done(out)
	}
}

func (p *postProcessor) absent(err error) Outcome {
	p.layer.levels.MarkResourceAbsent(p.tile.Key())
	return Outcome{State: Absent, Err: err}
}

func (p *postProcessor) handle(res *retrieve.Result) Outcome {
	l := p.layer
	t := p.tile
	log := l.log.WithFields(logrus.Fields{"tile": t.Key().String(), "url": res.URL})

	if !res.Successful() {
		log.WithError(res.Err).Debug("retrieval failed")
		return p.absent(res.Err)
	}
	if res.StatusCode == http.StatusNoContent || res.StatusCode != http.StatusOK {
		log.Debugf("no tile, status %d", res.StatusCode)
		return p.absent(fmt.Errorf("%w: status %d", retrieve.ErrStatus, res.StatusCode))
	}
	if len(res.Body) == 0 {
		return p.absent(fmt.Errorf("%w: empty body", ErrContent))
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(res.Body)
	}
	if isErrorContent(contentType) {
		body := res.Body
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		log.Warnf("server returned %s: %s", contentType, strings.TrimSpace(string(body)))
		return p.absent(fmt.Errorf("%w: %s", ErrContent, contentType))
	}

	if loc, ok := l.store.Find(t.Path(), false); ok && !l.isExpired(t, loc) {
		if l.loadLocal(t) {
			return Outcome{State: CachedLocal, Size: int64(len(res.Body))}
		}
	}

	if !isImageContent(contentType) {
		return p.saveRaw(res.Body, contentType)
	}
	return p.saveImage(res.Body, contentType)
}

func (p *postProcessor) saveRaw(data []byte, contentType string) Outcome {
	l := p.layer
	t := p.tile

	if ContentTypeSuffix(contentType) == ".pbf" || strings.EqualFold(t.Level().FormatSuffix, ".pbf") {
		var err error
		if data, err = gzipped(data); err != nil {
			return p.absent(fmt.Errorf("%w: %w", ErrFilesystem, err))
		}
	}
	if err := p.save(data); err != nil {
		return p.absent(err)
	}
	l.levels.UnmarkResourceAbsent(t.Key())
	l.fire(Event{Key: t.Key(), Path: t.Path(), State: Stored, Size: int64(len(data))})
	return Outcome{State: Stored, Size: int64(len(data))}
}

func (p *postProcessor) saveImage(data []byte, contentType string) Outcome {
	l := p.layer
	t := p.tile
	l.setState(t.Key(), Decoding)

	img, err := l.decoder.Decode(data, contentType)
	if err != nil {
		l.log.WithError(err).WithField("tile", t.Key().String()).Debug("cannot decode tile")
		return p.absent(err)
	}

	changed := false
	if l.opts.Modify != nil {
		img = l.opts.Modify(img)
		changed = true
	}
	if l.opts.Validate != nil && !l.opts.Validate(img) {
		return p.absent(ErrValidation)
	}
	if l.opts.Mercator && t.IsMercator() {
		img = TransformMercator(img, *t.MercatorSector())
		changed = true
	}

	if changed {
		if data, err = Encode(img, t.Level().FormatSuffix); err != nil {
			return p.absent(fmt.Errorf("%w: %w", ErrFilesystem, err))
		}
	}
	if err := p.save(data); err != nil {
		return p.absent(err)
	}

	l.keep(t, img)
	l.levels.UnmarkResourceAbsent(t.Key())
	l.fire(Event{Key: t.Key(), Path: t.Path(), State: Stored, Size: int64(len(data))})
	return Outcome{State: Stored, Size: int64(len(data))}
}

// save writes under the file lock, a failed write leaves no file behind.
func (p *postProcessor) save(data []byte) error {
	l := p.layer
	name := p.tile.Path()

	l.fileLock.Lock()
	defer l.fileLock.Unlock()
	if err := l.store.Write(name, data); err != nil {
		if loc, ok := l.store.Find(name, false); ok {
			l.store.Remove(loc)
		}
		l.log.WithError(err).WithField("file", name).Error("cannot write tile")
		return fmt.Errorf("%w: %w", ErrFilesystem, err)
	}
	return nil
}

func gzipped(data []byte) ([]byte, error) {
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

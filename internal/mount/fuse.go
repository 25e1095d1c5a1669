package mount

import (
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"

	serrors "github.com/stratumdb/stratum/internal/errors"
)

// stratumFS serves the projection over the FUSE path API. All write
// operations fall through to the default implementation, which rejects
// them; the projection is strictly read-only.
type stratumFS struct {
	pathfs.FileSystem
	session *Session
}

// serveFUSE mounts the session's projection and starts the serve loop.
func serveFUSE(s *Session) (*fuse.Server, error) {
	fs := &stratumFS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		session:    s,
	}
	nfs := pathfs.NewPathNodeFs(fs, nil)

	server, _, err := nodefs.MountRoot(s.mountpoint, nfs.Root(), &nodefs.Options{
		Debug: s.opts.Debug,
	})
	if err != nil {
		return nil, err
	}

	go server.Serve()
	if err := server.WaitMount(); err != nil {
		return nil, err
	}
	return server, nil
}

// toStatus maps storage errors onto FUSE status codes.
func toStatus(err error) fuse.Status {
	switch serrors.KindOf(err) {
	case serrors.KindNotFound:
		return fuse.ENOENT
	default:
		return fuse.EIO
	}
}

// fillAttr converts a projected entry into FUSE attributes. Everything
// is world-readable and nothing is writable.
func fillAttr(e *DirEntry, a *fuse.Attr) {
	a.Ino = e.Ino
	if e.Kind == KindDir {
		a.Mode = fuse.S_IFDIR | 0555
	} else {
		a.Mode = fuse.S_IFREG | 0444
		a.Size = uint64(e.Size)
	}
	if !e.ModTime.IsZero() {
		mt := e.ModTime
		a.SetTimes(nil, &mt, &mt)
	}
}

func (f *stratumFS) GetAttr(name string, _ *fuse.Context) (*fuse.Attr, fuse.Status) {
	if err := f.session.beginOp(); err != nil {
		return nil, toStatus(err)
	}
	defer f.session.endOp()

	entry, err := f.session.proj.Lookup(name)
	if err != nil {
		return nil, toStatus(err)
	}
	var a fuse.Attr
	fillAttr(entry, &a)
	return &a, fuse.OK
}

func (f *stratumFS) OpenDir(name string, _ *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	if err := f.session.beginOp(); err != nil {
		return nil, toStatus(err)
	}
	defer f.session.endOp()

	entries, err := f.session.proj.ReadDir(name)
	if err != nil {
		return nil, toStatus(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG | 0444)
		if e.Kind == KindDir {
			mode = fuse.S_IFDIR | 0555
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode, Ino: e.Ino})
	}
	return out, fuse.OK
}

func (f *stratumFS) Open(name string, flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	if flags&fuse.O_ANYWRITE != 0 {
		return nil, fuse.EROFS
	}

	if err := f.session.beginOp(); err != nil {
		return nil, toStatus(err)
	}
	defer f.session.endOp()

	entry, err := f.session.proj.Lookup(name)
	if err != nil {
		return nil, toStatus(err)
	}
	if entry.Kind == KindDir {
		return nil, fuse.EISDIR
	}

	return &projectedFile{
		File:    nodefs.NewDefaultFile(),
		session: f.session,
		path:    name,
		size:    entry.Size,
	}, fuse.OK
}

// projectedFile reads a projected file. Each Read resolves against a
// fresh snapshot inside the projection, so the handle stays valid for
// the life of the open even across concurrent commits.
type projectedFile struct {
	nodefs.File
	session *Session
	path    string
	size    int64
}

func (p *projectedFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	if err := p.session.beginOp(); err != nil {
		return nil, toStatus(err)
	}
	defer p.session.endOp()

	n, err := p.session.proj.Read(p.path, dest, off)
	if err != nil {
		return nil, toStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (p *projectedFile) GetAttr(out *fuse.Attr) fuse.Status {
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(p.size)
	return fuse.OK
}

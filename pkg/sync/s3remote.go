package sync

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/dirsync/pkg/errors"
	"github.com/sidkik/dirsync/pkg/snapshot"
	"github.com/sidkik/dirsync/pkg/transfer"
)

const (
	// Object metadata set on upload. S3 lowercases metadata keys.
	hashMetadataKey  = "dirsync-hash"
	mtimeMetadataKey = "dirsync-mtime"

	// maxDeleteBatch is the most keys a single DeleteObjects call accepts.
	maxDeleteBatch = 1000

	defaultHeadWorkers = 8
)

// S3API is the subset of the S3 client used by S3Remote. The multipart
// calls are used by uploads of large files.
type S3API interface {
	manager.UploadAPIClient

	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input,
		optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput,
		optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput,
		optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Remote is a Remote backed by the objects under a prefix in an S3 bucket.
// Directories are zero-length objects whose key ends in a slash, and are also
// implied by the keys of the objects inside them.
//
// The content hash and modification time of uploaded files are stored in the
// object metadata. Objects written by other tools are hashed by their ETag,
// so they never compare equal to a local file and are treated as changed.
type S3Remote struct {
	client      S3API
	uploader    *manager.Uploader
	bucket      string
	prefix      string
	headWorkers int
	log         *log.Entry
}

// NewS3Remote returns a Remote for the objects under `prefix` in `bucket`.
func NewS3Remote(client S3API, bucket, prefix string) *S3Remote {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Remote{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      bucket,
		prefix:      prefix,
		headWorkers: defaultHeadWorkers,
		log:         log.WithField("remote", "s3://"+bucket+"/"+prefix),
	}
}

// Snapshot lists the objects under the prefix. A prefix without any objects
// has a nil snapshot.
func (r *S3Remote) Snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	objects, err := r.list(ctx, r.prefix)
	if err != nil {
		return nil, errors.WithContext(err, "list")
	}
	if len(objects) == 0 {
		return nil, nil
	}

	tb := newS3TreeBuilder()
	var files []*snapshot.Node
	for _, obj := range objects {
		rel := strings.TrimPrefix(aws.ToString(obj.Key), r.prefix)
		modTime := aws.ToTime(obj.LastModified).UnixMilli()

		if rel == "" {
			if err := tb.marker("", modTime); err != nil {
				return nil, err
			}
			continue
		}

		isDir := strings.HasSuffix(rel, "/")
		rel = strings.TrimSuffix(rel, "/")
		if clean, rejected := transfer.Sanitize(rel); rejected || clean != rel {
			r.log.WithField("key", aws.ToString(obj.Key)).Warn("Skipping object with an unsupported key")
			continue
		}

		if isDir {
			if err := tb.marker(rel, modTime); err != nil {
				return nil, err
			}
			continue
		}

		n, err := tb.file(rel, aws.ToInt64(obj.Size), modTime)
		if err != nil {
			return nil, err
		}
		n.Hash = "etag:" + strings.Trim(aws.ToString(obj.ETag), `"`)
		files = append(files, n)
	}

	if err := r.readMetadata(ctx, files); err != nil {
		return nil, errors.WithContext(err, "read metadata")
	}

	snap := snapshot.New(tb.finish())
	if err := snap.Validate(); err != nil {
		return nil, errors.WithContext(err, "validate")
	}
	return snap, nil
}

// readMetadata replaces the ETag based hash and modification time of each
// file with the ones recorded when it was uploaded.
func (r *S3Remote) readMetadata(ctx context.Context, files []*snapshot.Node) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.headWorkers)
	for _, n := range files {
		n := n
		group.Go(func() error {
			head, err := r.client.HeadObject(groupCtx, &s3.HeadObjectInput{
				Bucket: aws.String(r.bucket),
				Key:    aws.String(r.key(n.Path)),
			})
			if err != nil {
				return errors.WithContext(err, n.Path)
			}

			if hash, ok := head.Metadata[hashMetadataKey]; ok && hash != "" {
				n.Hash = hash
			}
			if mtime, ok := head.Metadata[mtimeMetadataKey]; ok {
				if ms, err := strconv.ParseInt(mtime, 10, 64); err == nil {
					n.ModTime = ms
				}
			}
			return nil
		})
	}
	return group.Wait()
}

// Upload implements Remote. Large files are sent as multipart uploads.
func (r *S3Remote) Upload(ctx context.Context, n *snapshot.Node, src io.Reader) error {
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(n.Path)),
		Body:   src,
		Metadata: map[string]string{
			hashMetadataKey:  n.Hash,
			mtimeMetadataKey: strconv.FormatInt(n.ModTime, 10),
		},
	})
	if err != nil {
		return errors.WithContext(err, "upload")
	}
	return nil
}

// Download implements Remote.
func (r *S3Remote) Download(ctx context.Context, n *snapshot.Node) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(n.Path)),
	})
	if err != nil {
		return nil, errors.WithContext(err, "get object")
	}
	return out.Body, nil
}

// Mkdir implements Remote by creating a directory marker.
func (r *S3Remote) Mkdir(ctx context.Context, n *snapshot.Node) error {
	key := r.dirKey(n.Path)
	if key == "" {
		// The root of the bucket always exists.
		return nil
	}

	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return errors.WithContext(err, "put directory marker")
	}
	return nil
}

// Remove implements Remote. Removing a directory deletes every object under
// it.
func (r *S3Remote) Remove(ctx context.Context, n *snapshot.Node) error {
	if n.IsRoot() {
		return errors.New("refusing to remove the remote root")
	}

	keys := []string{r.key(n.Path)}
	if n.IsDir() {
		objects, err := r.list(ctx, r.dirKey(n.Path))
		if err != nil {
			return errors.WithContext(err, "list")
		}

		keys = keys[:0]
		for _, obj := range objects {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	for len(keys) != 0 {
		batch := keys
		if len(batch) > maxDeleteBatch {
			batch = batch[:maxDeleteBatch]
		}
		keys = keys[len(batch):]

		if err := r.delete(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *S3Remote) delete(ctx context.Context, keys []string) error {
	ids := make([]types.ObjectIdentifier, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
	}

	out, err := r.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(r.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return errors.WithContext(err, "delete objects")
	}
	if len(out.Errors) != 0 {
		e := out.Errors[0]
		return errors.New("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return nil
}

func (r *S3Remote) list(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	p := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (r *S3Remote) key(path string) string {
	return r.prefix + path
}

func (r *S3Remote) dirKey(path string) string {
	if path == "" {
		return r.prefix
	}
	return r.prefix + path + "/"
}

// s3TreeBuilder assembles a snapshot tree from a flat list of keys.
type s3TreeBuilder struct {
	root  *snapshot.Node
	nodes map[string]*snapshot.Node

	// implied tracks directories without a marker object. Their
	// modification time is the latest of their children's.
	implied map[string]bool
}

func newS3TreeBuilder() *s3TreeBuilder {
	root := &snapshot.Node{Name: snapshot.RootName, Kind: snapshot.Directory}
	return &s3TreeBuilder{
		root:    root,
		nodes:   map[string]*snapshot.Node{"": root},
		implied: map[string]bool{"": true},
	}
}

// dir returns the directory at `path`, creating it and its parents if
// necessary.
func (tb *s3TreeBuilder) dir(path string) (*snapshot.Node, error) {
	if n, ok := tb.nodes[path]; ok {
		if !n.IsDir() {
			return nil, errors.New("%s is both a file and a directory", path)
		}
		return n, nil
	}

	parent, err := tb.dir(snapshot.Parent(path))
	if err != nil {
		return nil, err
	}
	n := &snapshot.Node{Name: baseName(path), Path: path, Kind: snapshot.Directory}
	parent.Children = append(parent.Children, n)
	tb.nodes[path] = n
	tb.implied[path] = true
	return n, nil
}

// marker records the directory marker object for `path`.
func (tb *s3TreeBuilder) marker(path string, modTime int64) error {
	n, err := tb.dir(path)
	if err != nil {
		return err
	}
	n.ModTime = modTime
	delete(tb.implied, path)
	return nil
}

func (tb *s3TreeBuilder) file(path string, size, modTime int64) (*snapshot.Node, error) {
	if _, ok := tb.nodes[path]; ok {
		return nil, errors.New("%s is both a file and a directory", path)
	}

	parent, err := tb.dir(snapshot.Parent(path))
	if err != nil {
		return nil, err
	}
	n := &snapshot.Node{
		Name:    baseName(path),
		Path:    path,
		Kind:    snapshot.File,
		Size:    size,
		ModTime: modTime,
	}
	parent.Children = append(parent.Children, n)
	tb.nodes[path] = n
	return n, nil
}

// finish sorts the tree and fills in the modification times of implied
// directories.
func (tb *s3TreeBuilder) finish() *snapshot.Node {
	var visit func(n *snapshot.Node) int64
	visit = func(n *snapshot.Node) int64 {
		if !n.IsDir() {
			return n.ModTime
		}

		sort.Slice(n.Children, func(i, j int) bool {
			return n.Children[i].Name < n.Children[j].Name
		})

		var latest int64
		for _, child := range n.Children {
			if t := visit(child); t > latest {
				latest = t
			}
		}
		if tb.implied[n.Path] {
			n.ModTime = latest
		}
		return n.ModTime
	}
	visit(tb.root)
	return tb.root
}

func baseName(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

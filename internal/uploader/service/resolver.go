package service

import (
	"context"
	"fmt"

	"github.com/anthanhphan/gridfs-upload/internal/uploader/domain"
)

// Overrides is the subset of file attributes a resolver decides. Zero values
// are unset and fall back to the defaults or to an earlier resolver.
type Overrides struct {
	Filename       string
	Metadata       any
	BucketName     string
	ChunkSizeBytes int32
	ContentType    string
}

// Resolver computes per-file attributes before a writer starts. Resolve may
// block on I/O and must honour ctx.
type Resolver interface {
	Resolve(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (Overrides, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (Overrides, error)

func (f ResolverFunc) Resolve(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (Overrides, error) {
	return f(ctx, rc, file)
}

// Static applies the same overrides to every file.
type Static Overrides

func (s Static) Resolve(context.Context, domain.RequestContext, domain.FileInfo) (Overrides, error) {
	return Overrides(s), nil
}

// FilenameFunc resolves only the stored file name.
func FilenameFunc(fn func(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (string, error)) Resolver {
	return ResolverFunc(func(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (Overrides, error) {
		name, err := fn(ctx, rc, file)
		return Overrides{Filename: name}, err
	})
}

// MetadataFunc resolves only the metadata payload.
func MetadataFunc(fn func(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (any, error)) Resolver {
	return ResolverFunc(func(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (Overrides, error) {
		meta, err := fn(ctx, rc, file)
		return Overrides{Metadata: meta}, err
	})
}

// Namer supplies default file names.
type Namer interface {
	Generate() string
}

// MetadataResolver runs the configured resolvers in order and fills the
// fields none of them set.
type MetadataResolver struct {
	namer     Namer
	resolvers []Resolver
}

func NewMetadataResolver(namer Namer, resolvers ...Resolver) *MetadataResolver {
	return &MetadataResolver{namer: namer, resolvers: resolvers}
}

// Resolve returns the attributes file will be stored with.
func (r *MetadataResolver) Resolve(ctx context.Context, rc domain.RequestContext, file domain.FileInfo) (domain.ResolvedMetadata, error) {
	var merged Overrides
	for i, res := range r.resolvers {
		if err := ctx.Err(); err != nil {
			return domain.ResolvedMetadata{}, err
		}

		o, err := safeResolve(ctx, res, rc, file)
		if err != nil {
			return domain.ResolvedMetadata{}, fmt.Errorf("resolver %d: %w", i, err)
		}
		merged = merge(merged, o)
	}

	if merged.ChunkSizeBytes < 0 {
		return domain.ResolvedMetadata{}, fmt.Errorf("chunk size must be positive, got %d", merged.ChunkSizeBytes)
	}

	meta := domain.ResolvedMetadata{
		Filename:       merged.Filename,
		Metadata:       merged.Metadata,
		BucketName:     merged.BucketName,
		ChunkSizeBytes: merged.ChunkSizeBytes,
		ContentType:    merged.ContentType,
	}
	if meta.Filename == "" {
		name, err := r.generateName()
		if err != nil {
			return domain.ResolvedMetadata{}, err
		}
		meta.Filename = name
	}
	if meta.BucketName == "" {
		meta.BucketName = domain.DefaultBucketName
	}
	if meta.ChunkSizeBytes == 0 {
		meta.ChunkSizeBytes = domain.DefaultChunkSizeBytes
	}
	if meta.ContentType == "" {
		meta.ContentType = file.ContentType
	}
	return meta, nil
}

// generateName reports a namer that panics, such as a HexNamer whose random
// source failed after startup, as an error for this file only.
func (r *MetadataResolver) generateName() (name string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("name generation failed: %v", p)
		}
	}()
	return r.namer.Generate(), nil
}

// safeResolve turns a panicking resolver into an error.
func safeResolve(ctx context.Context, res Resolver, rc domain.RequestContext, file domain.FileInfo) (o Overrides, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver panicked: %v", p)
		}
	}()
	return res.Resolve(ctx, rc, file)
}

func merge(base, o Overrides) Overrides {
	if o.Filename != "" {
		base.Filename = o.Filename
	}
	if o.Metadata != nil {
		base.Metadata = o.Metadata
	}
	if o.BucketName != "" {
		base.BucketName = o.BucketName
	}
	if o.ChunkSizeBytes != 0 {
		base.ChunkSizeBytes = o.ChunkSizeBytes
	}
	if o.ContentType != "" {
		base.ContentType = o.ContentType
	}
	return base
}

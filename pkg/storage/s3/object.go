/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/client-go/util/workqueue"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

var storageClassToS3 = map[apis.StorageClass]s3types.StorageClass{
	apis.StorageClassHot:     s3types.StorageClassStandard,
	apis.StorageClassCool:    s3types.StorageClassStandardIa,
	apis.StorageClassCold:    s3types.StorageClassGlacierIr,
	apis.StorageClassArchive: s3types.StorageClassDeepArchive,
}

var storageClassFromS3 = lo.Invert(storageClassToS3)

// Put uploads through the transfer manager. ETag conditions ride natively on
// the request; anything S3 cannot evaluate server-side is pre-checked first.
func (p *Provider) Put(ctx context.Context, req *storage.PutRequest) (*apis.ObjectItem, error) {
	if req.Key.Version != "" {
		return nil, errors.NewBadRequest("s3: put does not accept an explicit version")
	}
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	input := &awss3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(req.Key.ID),
		Metadata: req.Metadata,
	}
	rest := req.Match
	if rest.IfMatch != "" {
		input.IfMatch = aws.String(rest.IfMatch)
		rest.IfMatch = ""
	}
	if rest.IfNoneMatch == apis.AllVersions {
		input.IfNoneMatch = aws.String(apis.AllVersions)
		rest.IfNoneMatch = ""
	}
	if rest.Exists != nil && !*rest.Exists {
		input.IfNoneMatch = aws.String(apis.AllVersions)
		rest.Exists = nil
	}
	if !rest.Empty() {
		props, version, _, err := p.head(ctx, bucket, req.Key.ID)
		if err != nil {
			return nil, err
		}
		if err := storage.EvaluateMatch(rest, props, version, false); err != nil {
			return nil, err
		}
	}
	applyPutProperties(input, req.Properties)
	body, closer, _, err := payload(req)
	if err != nil {
		return nil, err
	}
	input.Body = body
	_, err = p.uploader.Upload(ctx, input)
	if closer != nil {
		closer.Close()
	}
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	return p.properties(ctx, bucket, req.Key)
}

// Get reads the object body, pre-checking conditions against the head and
// applying the inclusive range bounds as a bytes range header.
func (p *Provider) Get(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	if err := p.check(ctx, bucket, req.Key.ID, req.Match, true); err != nil {
		return nil, err
	}
	input := &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(req.Key.ID),
	}
	if req.Key.Version != "" {
		input.VersionId = aws.String(req.Key.Version)
	}
	if header := rangeHeader(req.Start, req.End); header != "" {
		input.Range = aws.String(header)
	}
	out, err := p.s3api.GetObject(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	defer out.Body.Close()
	item := &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: req.Key.ID, Version: aws.ToString(out.VersionId)},
		Metadata:   out.Metadata,
		Properties: propertiesFromGet(out),
	}
	switch {
	case req.Stream != nil:
		if _, err := io.Copy(req.Stream, out.Body); err != nil {
			return nil, fmt.Errorf("streaming object %q, %w", req.Key.ID, err)
		}
	case req.File != "":
		f, err := os.Create(req.File)
		if err != nil {
			return nil, fmt.Errorf("creating %q, %w", req.File, err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing object %q to %q, %w", req.Key.ID, req.File, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("closing %q, %w", req.File, err)
		}
	default:
		data, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, fmt.Errorf("reading object %q, %w", req.Key.ID, err)
		}
		item.Value = data
	}
	return item, nil
}

// GetMetadata returns user metadata from a head read, never the body.
func (p *Provider) GetMetadata(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	item, err := p.getProperties(ctx, req)
	if err != nil {
		return nil, err
	}
	item.Properties = nil
	return item, nil
}

// GetProperties returns system properties plus metadata from a head read.
func (p *Provider) GetProperties(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	return p.getProperties(ctx, req)
}

func (p *Provider) getProperties(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	if err := p.check(ctx, bucket, req.Key.ID, req.Match, true); err != nil {
		return nil, err
	}
	input := &awss3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(req.Key.ID)}
	if req.Key.Version != "" {
		input.VersionId = aws.String(req.Key.Version)
	}
	out, err := p.s3api.HeadObject(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: req.Key.ID, Version: aws.ToString(out.VersionId)},
		Metadata:   out.Metadata,
		Properties: propertiesFromHead(out),
	}, nil
}

// GetVersions lists the native version history oldest-first; unversioned
// buckets report the single "null" version.
func (p *Provider) GetVersions(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	props, version, metadata, err := p.head(ctx, bucket, req.Key.ID)
	if err != nil {
		return nil, err
	}
	if props == nil {
		return nil, errors.NewNotFound("object %q does not exist", req.Key.ID)
	}
	if err := storage.EvaluateMatch(req.Match, props, version, true); err != nil {
		return nil, err
	}
	item := &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: req.Key.ID, Version: version},
		Metadata:   metadata,
		Properties: props,
	}
	versioned, err := p.isVersioned(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !versioned {
		// Unversioned buckets report the head as the sole "null" version.
		item.Versions = []apis.ObjectVersion{{Version: "null", Latest: true, LastModified: props.LastModified, ETag: props.ETag}}
		return item, nil
	}
	input := &awss3.ListObjectVersionsInput{Bucket: aws.String(bucket), Prefix: aws.String(req.Key.ID)}
	for {
		out, err := p.s3api.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, v := range out.Versions {
			if aws.ToString(v.Key) != req.Key.ID {
				continue
			}
			item.Versions = append(item.Versions, apis.ObjectVersion{
				Version:      aws.ToString(v.VersionId),
				Latest:       aws.ToBool(v.IsLatest),
				LastModified: apis.EpochSeconds(aws.ToTime(v.LastModified)),
				ETag:         trimETag(v.ETag),
			})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
	sort.SliceStable(item.Versions, func(i, j int) bool {
		return item.Versions[i].LastModified < item.Versions[j].LastModified
	})
	return item, nil
}

// Update rewrites metadata and properties with a self-copy; S3 has no
// in-place metadata mutation.
func (p *Provider) Update(ctx context.Context, req *storage.UpdateRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	props, version, metadata, err := p.head(ctx, bucket, req.Key.ID)
	if err != nil {
		return nil, err
	}
	if props == nil {
		return nil, errors.NewNotFound("object %q does not exist", req.Key.ID)
	}
	if err := storage.EvaluateMatch(req.Match, props, version, false); err != nil {
		return nil, err
	}
	merged := *props
	storage.ApplyProperties(&merged, req.Properties)
	input := &awss3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(req.Key.ID),
		CopySource:        aws.String(copySource(bucket, req.Key.ID, "")),
		MetadataDirective: s3types.MetadataDirectiveReplace,
		Metadata:          lo.Assign(metadata, req.Metadata),
	}
	applyCopyProperties(input, &merged)
	if _, err := p.s3api.CopyObject(ctx, input); err != nil {
		return nil, errors.FromAWS(err)
	}
	return p.properties(ctx, bucket, apis.Key(req.Key.ID))
}

// Delete removes the head, one version, or fans a wildcard out to every
// version and delete marker through the delete batcher.
func (p *Provider) Delete(ctx context.Context, req *storage.DeleteRequest) error {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return err
	}
	if err := p.check(ctx, bucket, req.Key.ID, req.Match, false); err != nil {
		return err
	}
	if req.Key.Version == apis.AllVersions {
		return p.deleteAllVersions(ctx, bucket, req.Key.ID)
	}
	identifier := s3types.ObjectIdentifier{Key: aws.String(req.Key.ID)}
	if req.Key.Version != "" {
		identifier.VersionId = aws.String(req.Key.Version)
	}
	return p.deleteIdentifier(ctx, bucket, identifier)
}

func (p *Provider) deleteAllVersions(ctx context.Context, bucket, id string) error {
	identifiers := []s3types.ObjectIdentifier{}
	input := &awss3.ListObjectVersionsInput{Bucket: aws.String(bucket), Prefix: aws.String(id)}
	for {
		out, err := p.s3api.ListObjectVersions(ctx, input)
		if err != nil {
			return errors.FromAWS(err)
		}
		for _, v := range out.Versions {
			if aws.ToString(v.Key) == id {
				identifiers = append(identifiers, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
			}
		}
		for _, m := range out.DeleteMarkers {
			if aws.ToString(m.Key) == id {
				identifiers = append(identifiers, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
	if len(identifiers) == 0 {
		return errors.NewNotFound("object %q does not exist", id)
	}
	errs := make([]error, len(identifiers))
	workqueue.ParallelizeUntil(ctx, 10, len(identifiers), func(i int) {
		errs[i] = p.deleteIdentifier(ctx, bucket, identifiers[i])
	})
	return multierr.Combine(errs...)
}

func (p *Provider) deleteIdentifier(ctx context.Context, bucket string, identifier s3types.ObjectIdentifier) error {
	if _, err := p.deletes.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{identifier}},
	}); err != nil {
		return errors.FromAWS(err)
	}
	return nil
}

// Copy performs a native server-side copy, preserving source metadata and
// properties; the condition applies to the destination's pre-state.
func (p *Provider) Copy(ctx context.Context, req *storage.CopyRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	srcBucket := req.Source.Collection
	if srcBucket == "" {
		srcBucket = bucket
	}
	if !req.Match.Empty() {
		props, version, _, err := p.head(ctx, bucket, req.Key.ID)
		if err != nil {
			return nil, err
		}
		if err := storage.EvaluateMatch(req.Match, props, version, false); err != nil {
			return nil, err
		}
	}
	if _, err := p.s3api.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(req.Key.ID),
		CopySource: aws.String(copySource(srcBucket, req.Source.ID, req.Source.Version)),
	}); err != nil {
		return nil, errors.FromAWS(err)
	}
	return p.properties(ctx, bucket, apis.Key(req.Key.ID))
}

// Generate mints a presigned URL for the requested verb.
func (p *Provider) Generate(ctx context.Context, req *storage.GenerateRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	expires := func(o *awss3.PresignOptions) { o.Expires = req.Expiry }
	var signed string
	switch req.Method {
	case storage.MethodGet:
		input := &awss3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(req.Key.ID)}
		if req.Key.Version != "" {
			input.VersionId = aws.String(req.Key.Version)
		}
		out, err := p.presign.PresignGetObject(ctx, input, expires)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		signed = out.URL
	case storage.MethodPut:
		out, err := p.presign.PresignPutObject(ctx, &awss3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(req.Key.ID)}, expires)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		signed = out.URL
	case storage.MethodDelete:
		input := &awss3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(req.Key.ID)}
		if req.Key.Version != "" {
			input.VersionId = aws.String(req.Key.Version)
		}
		out, err := p.presign.PresignDeleteObject(ctx, input, expires)
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		signed = out.URL
	default:
		return nil, errors.NewUnsupported("s3: cannot sign method %q", req.Method)
	}
	return &apis.ObjectItem{Key: req.Key, URL: signed}, nil
}

// check evaluates a condition against the current head; an absent object is
// NotFound so callers never hit the backend with a doomed request.
func (p *Provider) check(ctx context.Context, bucket, id string, match apis.MatchCondition, read bool) error {
	props, version, _, err := p.head(ctx, bucket, id)
	if err != nil {
		return err
	}
	if props == nil {
		return errors.NewNotFound("object %q does not exist", id)
	}
	return storage.EvaluateMatch(match, props, version, read)
}

// properties re-reads the head to report the post-write state.
func (p *Provider) properties(ctx context.Context, bucket string, key apis.ObjectKey) (*apis.ObjectItem, error) {
	props, version, metadata, err := p.head(ctx, bucket, key.ID)
	if err != nil {
		return nil, err
	}
	if props == nil {
		return nil, errors.NewNotFound("object %q does not exist", key.ID)
	}
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: key.ID, Version: version},
		Metadata:   metadata,
		Properties: props,
	}, nil
}

// rangeHeader renders the inclusive bounds as a bytes range; the suffix form
// is never used because Start is anchored at zero when absent.
func rangeHeader(start, end *int64) string {
	if start == nil && end == nil {
		return ""
	}
	from := int64(0)
	if start != nil {
		from = *start
	}
	if end != nil {
		return fmt.Sprintf("bytes=%d-%d", from, *end)
	}
	return fmt.Sprintf("bytes=%d-", from)
}

func copySource(bucket, id, version string) string {
	source := bucket + "/" + url.PathEscape(id)
	if version != "" {
		source += "?versionId=" + version
	}
	return source
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func propertiesFromHead(out *awss3.HeadObjectOutput) *apis.ObjectProperties {
	props := &apis.ObjectProperties{
		CacheControl:       aws.ToString(out.CacheControl),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		ContentLength:      aws.ToInt64(out.ContentLength),
		ContentType:        aws.ToString(out.ContentType),
		CRC32C:             aws.ToString(out.ChecksumCRC32C),
		ETag:               trimETag(out.ETag),
		StorageClass:       storageClassFromS3[out.StorageClass],
	}
	if out.LastModified != nil {
		props.LastModified = apis.EpochSeconds(aws.ToTime(out.LastModified))
	}
	return props
}

func propertiesFromGet(out *awss3.GetObjectOutput) *apis.ObjectProperties {
	props := &apis.ObjectProperties{
		CacheControl:       aws.ToString(out.CacheControl),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		ContentLength:      aws.ToInt64(out.ContentLength),
		ContentType:        aws.ToString(out.ContentType),
		CRC32C:             aws.ToString(out.ChecksumCRC32C),
		ETag:               trimETag(out.ETag),
		StorageClass:       storageClassFromS3[out.StorageClass],
	}
	if out.LastModified != nil {
		props.LastModified = apis.EpochSeconds(aws.ToTime(out.LastModified))
	}
	return props
}

// applyPutProperties maps the caller-settable properties onto the upload.
func applyPutProperties(input *awss3.PutObjectInput, props *apis.ObjectProperties) {
	if props == nil {
		return
	}
	input.CacheControl = lo.EmptyableToPtr(props.CacheControl)
	input.ContentDisposition = lo.EmptyableToPtr(props.ContentDisposition)
	input.ContentEncoding = lo.EmptyableToPtr(props.ContentEncoding)
	input.ContentLanguage = lo.EmptyableToPtr(props.ContentLanguage)
	input.ContentType = lo.EmptyableToPtr(props.ContentType)
	if props.Expires != nil {
		input.Expires = aws.Time(apis.TimeFromEpoch(*props.Expires))
	}
	if class, ok := storageClassToS3[props.StorageClass]; ok {
		input.StorageClass = class
	}
}

func applyCopyProperties(input *awss3.CopyObjectInput, props *apis.ObjectProperties) {
	if props == nil {
		return
	}
	input.CacheControl = lo.EmptyableToPtr(props.CacheControl)
	input.ContentDisposition = lo.EmptyableToPtr(props.ContentDisposition)
	input.ContentEncoding = lo.EmptyableToPtr(props.ContentEncoding)
	input.ContentLanguage = lo.EmptyableToPtr(props.ContentLanguage)
	input.ContentType = lo.EmptyableToPtr(props.ContentType)
	if props.Expires != nil {
		input.Expires = aws.Time(apis.TimeFromEpoch(*props.Expires))
	}
	if class, ok := storageClassToS3[props.StorageClass]; ok {
		input.StorageClass = class
	}
}

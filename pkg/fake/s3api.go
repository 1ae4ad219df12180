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

package fake

import (
	"bytes"
	"context"
	"crypto/md5"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

// S3Object is one stored version of a key, or a delete marker occupying its
// slot in the history.
type S3Object struct {
	Key                string
	VersionID          string
	Data               []byte
	Metadata           map[string]string
	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	Expires            *time.Time
	StorageClass       s3types.StorageClass
	ETag               string
	LastModified       time.Time
	DeleteMarker       bool
}

// S3Bucket holds each key's history oldest-first; the last entry is latest.
type S3Bucket struct {
	Versioned bool
	Objects   map[string][]*S3Object
}

type multipartUpload struct {
	input *s3.CreateMultipartUploadInput
	parts map[int32][]byte
}

type S3Behavior struct {
	PutObjectBehavior               MockedFunction[s3.PutObjectInput, s3.PutObjectOutput]
	GetObjectBehavior               MockedFunction[s3.GetObjectInput, s3.GetObjectOutput]
	HeadObjectBehavior              MockedFunction[s3.HeadObjectInput, s3.HeadObjectOutput]
	CopyObjectBehavior              MockedFunction[s3.CopyObjectInput, s3.CopyObjectOutput]
	DeleteObjectBehavior            MockedFunction[s3.DeleteObjectInput, s3.DeleteObjectOutput]
	DeleteObjectsBehavior           MockedFunction[s3.DeleteObjectsInput, s3.DeleteObjectsOutput]
	ListObjectsV2Behavior           MockedFunction[s3.ListObjectsV2Input, s3.ListObjectsV2Output]
	ListObjectVersionsBehavior      MockedFunction[s3.ListObjectVersionsInput, s3.ListObjectVersionsOutput]
	CreateBucketBehavior            MockedFunction[s3.CreateBucketInput, s3.CreateBucketOutput]
	HeadBucketBehavior              MockedFunction[s3.HeadBucketInput, s3.HeadBucketOutput]
	DeleteBucketBehavior            MockedFunction[s3.DeleteBucketInput, s3.DeleteBucketOutput]
	PutBucketVersioningBehavior     MockedFunction[s3.PutBucketVersioningInput, s3.PutBucketVersioningOutput]
	GetBucketVersioningBehavior     MockedFunction[s3.GetBucketVersioningInput, s3.GetBucketVersioningOutput]
	CreateMultipartUploadBehavior   MockedFunction[s3.CreateMultipartUploadInput, s3.CreateMultipartUploadOutput]
	UploadPartBehavior              MockedFunction[s3.UploadPartInput, s3.UploadPartOutput]
	CompleteMultipartUploadBehavior MockedFunction[s3.CompleteMultipartUploadInput, s3.CompleteMultipartUploadOutput]
	AbortMultipartUploadBehavior    MockedFunction[s3.AbortMultipartUploadInput, s3.AbortMultipartUploadOutput]
}

// S3API is a behavioral in-memory S3: unscripted calls run against real
// bucket state with versioning, delete markers and conditional writes, so
// the providers exercise their actual request flow.
type S3API struct {
	S3Behavior
	sync.Mutex

	Buckets map[string]*S3Bucket

	uploads     map[string]*multipartUpload
	nextVersion int
	nextUpload  int
	now         time.Time
}

var _ sdk.S3API = &S3API{}

func NewS3API() *S3API {
	return &S3API{
		Buckets: map[string]*S3Bucket{},
		uploads: map[string]*multipartUpload{},
		now:     time.Now(),
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (s *S3API) Reset() {
	s.PutObjectBehavior.Reset()
	s.GetObjectBehavior.Reset()
	s.HeadObjectBehavior.Reset()
	s.CopyObjectBehavior.Reset()
	s.DeleteObjectBehavior.Reset()
	s.DeleteObjectsBehavior.Reset()
	s.ListObjectsV2Behavior.Reset()
	s.ListObjectVersionsBehavior.Reset()
	s.CreateBucketBehavior.Reset()
	s.HeadBucketBehavior.Reset()
	s.DeleteBucketBehavior.Reset()
	s.PutBucketVersioningBehavior.Reset()
	s.GetBucketVersioningBehavior.Reset()
	s.CreateMultipartUploadBehavior.Reset()
	s.UploadPartBehavior.Reset()
	s.CompleteMultipartUploadBehavior.Reset()
	s.AbortMultipartUploadBehavior.Reset()
	s.Lock()
	defer s.Unlock()
	s.Buckets = map[string]*S3Bucket{}
	s.uploads = map[string]*multipartUpload{}
	s.nextVersion = 0
	s.nextUpload = 0
}

func s3Err(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func (s *S3API) bucket(name *string) (*S3Bucket, error) {
	bucket, ok := s.Buckets[aws.ToString(name)]
	if !ok {
		return nil, s3Err("NoSuchBucket", fmt.Sprintf("bucket %q does not exist", aws.ToString(name)))
	}
	return bucket, nil
}

// tick makes successive writes strictly ordered in time.
func (s *S3API) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *S3API) versionID() string {
	s.nextVersion++
	return fmt.Sprintf("fakever-%04d", s.nextVersion)
}

// latest returns the newest live version, nil when the key is absent or its
// newest entry is a delete marker.
func latest(history []*S3Object) *S3Object {
	if len(history) == 0 {
		return nil
	}
	newest := history[len(history)-1]
	if newest.DeleteMarker {
		return nil
	}
	return newest
}

func findVersion(history []*S3Object, versionID string) *S3Object {
	for _, obj := range history {
		if obj.VersionID == versionID {
			return obj
		}
	}
	return nil
}

func etagOf(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))
}

func matchETag(condition, etag string) bool {
	return strings.Trim(condition, `"`) == strings.Trim(etag, `"`)
}

// Bucket lifecycle.

func (s *S3API) CreateBucket(_ context.Context, input *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return s.CreateBucketBehavior.Invoke(input, func(input *s3.CreateBucketInput) (*s3.CreateBucketOutput, error) {
		s.Lock()
		defer s.Unlock()
		name := aws.ToString(input.Bucket)
		if _, ok := s.Buckets[name]; ok {
			return nil, s3Err("BucketAlreadyOwnedByYou", fmt.Sprintf("bucket %q already exists", name))
		}
		s.Buckets[name] = &S3Bucket{Objects: map[string][]*S3Object{}}
		return &s3.CreateBucketOutput{Location: aws.String("/" + name)}, nil
	})
}

func (s *S3API) HeadBucket(_ context.Context, input *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return s.HeadBucketBehavior.Invoke(input, func(input *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		s.Lock()
		defer s.Unlock()
		if _, ok := s.Buckets[aws.ToString(input.Bucket)]; !ok {
			return nil, s3Err("NotFound", fmt.Sprintf("bucket %q does not exist", aws.ToString(input.Bucket)))
		}
		return &s3.HeadBucketOutput{}, nil
	})
}

func (s *S3API) DeleteBucket(_ context.Context, input *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	return s.DeleteBucketBehavior.Invoke(input, func(input *s3.DeleteBucketInput) (*s3.DeleteBucketOutput, error) {
		s.Lock()
		defer s.Unlock()
		name := aws.ToString(input.Bucket)
		bucket, ok := s.Buckets[name]
		if !ok {
			return nil, s3Err("NoSuchBucket", fmt.Sprintf("bucket %q does not exist", name))
		}
		if len(bucket.Objects) > 0 {
			return nil, s3Err("BucketNotEmpty", fmt.Sprintf("bucket %q is not empty", name))
		}
		delete(s.Buckets, name)
		return &s3.DeleteBucketOutput{}, nil
	})
}

func (s *S3API) PutBucketVersioning(_ context.Context, input *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	return s.PutBucketVersioningBehavior.Invoke(input, func(input *s3.PutBucketVersioningInput) (*s3.PutBucketVersioningOutput, error) {
		s.Lock()
		defer s.Unlock()
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		bucket.Versioned = input.VersioningConfiguration != nil && input.VersioningConfiguration.Status == s3types.BucketVersioningStatusEnabled
		return &s3.PutBucketVersioningOutput{}, nil
	})
}

func (s *S3API) GetBucketVersioning(_ context.Context, input *s3.GetBucketVersioningInput, _ ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	return s.GetBucketVersioningBehavior.Invoke(input, func(input *s3.GetBucketVersioningInput) (*s3.GetBucketVersioningOutput, error) {
		s.Lock()
		defer s.Unlock()
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		out := &s3.GetBucketVersioningOutput{}
		if bucket.Versioned {
			out.Status = s3types.BucketVersioningStatusEnabled
		}
		return out, nil
	})
}

// Object writes.

func (s *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	// The body is consumed up front; readers don't survive the JSON deep-copy
	// the behavior cell performs on recorded inputs.
	var data []byte
	if input.Body != nil {
		var err error
		if data, err = io.ReadAll(input.Body); err != nil {
			return nil, err
		}
		input.Body = nil
	}
	return s.PutObjectBehavior.Invoke(input, func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		s.Lock()
		defer s.Unlock()
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		key := aws.ToString(input.Key)
		current := latest(bucket.Objects[key])
		if input.IfNoneMatch != nil && current != nil {
			// Only the wildcard form is supported on writes, matching S3.
			return nil, s3Err("PreconditionFailed", fmt.Sprintf("object %q already exists", key))
		}
		if input.IfMatch != nil && (current == nil || !matchETag(aws.ToString(input.IfMatch), current.ETag)) {
			return nil, s3Err("PreconditionFailed", fmt.Sprintf("etag mismatch on %q", key))
		}
		obj := s.store(bucket, key, data, input.Metadata, func(obj *S3Object) {
			obj.ContentType = aws.ToString(input.ContentType)
			obj.CacheControl = aws.ToString(input.CacheControl)
			obj.ContentDisposition = aws.ToString(input.ContentDisposition)
			obj.ContentEncoding = aws.ToString(input.ContentEncoding)
			obj.ContentLanguage = aws.ToString(input.ContentLanguage)
			obj.Expires = input.Expires
			obj.StorageClass = input.StorageClass
		})
		out := &s3.PutObjectOutput{ETag: aws.String(obj.ETag)}
		if obj.VersionID != "" {
			out.VersionId = aws.String(obj.VersionID)
		}
		return out, nil
	})
}

// store appends a new version (or replaces the sole one on unversioned
// buckets); decorate stamps the request attributes onto it.
func (s *S3API) store(bucket *S3Bucket, key string, data []byte, metadata map[string]string, decorate func(*S3Object)) *S3Object {
	obj := &S3Object{
		Key:          key,
		Data:         data,
		Metadata:     metadata,
		ETag:         etagOf(data),
		LastModified: s.tick(),
	}
	if decorate != nil {
		decorate(obj)
	}
	if obj.StorageClass == "" {
		obj.StorageClass = s3types.StorageClassStandard
	}
	if bucket.Versioned {
		obj.VersionID = s.versionID()
		bucket.Objects[key] = append(bucket.Objects[key], obj)
	} else {
		bucket.Objects[key] = []*S3Object{obj}
	}
	return obj
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return s.GetObjectBehavior.Invoke(input, func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		s.Lock()
		defer s.Unlock()
		obj, err := s.resolve(input.Bucket, input.Key, input.VersionId)
		if err != nil {
			return nil, err
		}
		data := obj.Data
		if input.Range != nil {
			if data, err = sliceFakeRange(data, aws.ToString(input.Range)); err != nil {
				return nil, err
			}
		}
		out := &s3.GetObjectOutput{
			Body:          io.NopCloser(bytes.NewReader(data)),
			ContentLength: aws.Int64(int64(len(data))),
			ETag:          aws.String(obj.ETag),
			LastModified:  aws.Time(obj.LastModified),
			Metadata:      obj.Metadata,
			ContentType:   lo.EmptyableToPtr(obj.ContentType),
			StorageClass:  obj.StorageClass,
		}
		if obj.VersionID != "" {
			out.VersionId = aws.String(obj.VersionID)
		}
		return out, nil
	})
}

func (s *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return s.HeadObjectBehavior.Invoke(input, func(input *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		s.Lock()
		defer s.Unlock()
		obj, err := s.resolve(input.Bucket, input.Key, input.VersionId)
		if err != nil {
			return nil, err
		}
		out := &s3.HeadObjectOutput{
			ContentLength:      aws.Int64(int64(len(obj.Data))),
			ETag:               aws.String(obj.ETag),
			LastModified:       aws.Time(obj.LastModified),
			Metadata:           obj.Metadata,
			ContentType:        lo.EmptyableToPtr(obj.ContentType),
			CacheControl:       lo.EmptyableToPtr(obj.CacheControl),
			ContentDisposition: lo.EmptyableToPtr(obj.ContentDisposition),
			ContentEncoding:    lo.EmptyableToPtr(obj.ContentEncoding),
			ContentLanguage:    lo.EmptyableToPtr(obj.ContentLanguage),
			Expires:            obj.Expires,
			StorageClass:       obj.StorageClass,
		}
		if obj.VersionID != "" {
			out.VersionId = aws.String(obj.VersionID)
		}
		return out, nil
	})
}

// resolve finds the addressed live version; head lookups use the 404-shaped
// NotFound code, matching S3's missing-key head response.
func (s *S3API) resolve(bucketName, key, versionID *string) (*S3Object, error) {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return nil, err
	}
	history := bucket.Objects[aws.ToString(key)]
	if versionID != nil {
		if obj := findVersion(history, aws.ToString(versionID)); obj != nil && !obj.DeleteMarker {
			return obj, nil
		}
		return nil, s3Err("NoSuchKey", fmt.Sprintf("object %q has no version %q", aws.ToString(key), aws.ToString(versionID)))
	}
	if obj := latest(history); obj != nil {
		return obj, nil
	}
	return nil, s3Err("NotFound", fmt.Sprintf("object %q does not exist", aws.ToString(key)))
}

func sliceFakeRange(data []byte, header string) ([]byte, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, s3Err("InvalidRange", fmt.Sprintf("unparseable range %q", header))
	}
	fromText, toText, _ := strings.Cut(spec, "-")
	from, err := strconv.ParseInt(fromText, 10, 64)
	if err != nil || from >= int64(len(data)) {
		return nil, s3Err("InvalidRange", fmt.Sprintf("range %q is not satisfiable over %d bytes", header, len(data)))
	}
	to := int64(len(data)) - 1
	if toText != "" {
		parsed, err := strconv.ParseInt(toText, 10, 64)
		if err != nil {
			return nil, s3Err("InvalidRange", fmt.Sprintf("unparseable range %q", header))
		}
		if parsed < to {
			to = parsed
		}
	}
	if from > to {
		return nil, s3Err("InvalidRange", fmt.Sprintf("range %q is inverted", header))
	}
	return data[from : to+1], nil
}

func (s *S3API) CopyObject(_ context.Context, input *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	return s.CopyObjectBehavior.Invoke(input, func(input *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
		s.Lock()
		defer s.Unlock()
		srcBucketName, srcKey, srcVersion, err := parseCopySource(aws.ToString(input.CopySource))
		if err != nil {
			return nil, err
		}
		srcBucket, err := s.bucket(&srcBucketName)
		if err != nil {
			return nil, err
		}
		var src *S3Object
		if srcVersion != "" {
			src = findVersion(srcBucket.Objects[srcKey], srcVersion)
		} else {
			src = latest(srcBucket.Objects[srcKey])
		}
		if src == nil || src.DeleteMarker {
			return nil, s3Err("NoSuchKey", fmt.Sprintf("copy source %q does not exist", aws.ToString(input.CopySource)))
		}
		dstBucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		obj := s.store(dstBucket, aws.ToString(input.Key), src.Data, src.Metadata, func(obj *S3Object) {
			obj.ContentType = src.ContentType
			obj.CacheControl = src.CacheControl
			obj.ContentDisposition = src.ContentDisposition
			obj.ContentEncoding = src.ContentEncoding
			obj.ContentLanguage = src.ContentLanguage
			obj.Expires = src.Expires
			obj.StorageClass = src.StorageClass
			if input.MetadataDirective == s3types.MetadataDirectiveReplace {
				obj.Metadata = input.Metadata
				obj.ContentType = aws.ToString(input.ContentType)
				obj.CacheControl = aws.ToString(input.CacheControl)
				obj.ContentDisposition = aws.ToString(input.ContentDisposition)
				obj.ContentEncoding = aws.ToString(input.ContentEncoding)
				obj.ContentLanguage = aws.ToString(input.ContentLanguage)
				obj.Expires = input.Expires
			}
			if input.StorageClass != "" {
				obj.StorageClass = input.StorageClass
			}
		})
		out := &s3.CopyObjectOutput{CopyObjectResult: &s3types.CopyObjectResult{
			ETag:         aws.String(obj.ETag),
			LastModified: aws.Time(obj.LastModified),
		}}
		if obj.VersionID != "" {
			out.VersionId = aws.String(obj.VersionID)
		}
		return out, nil
	})
}

func parseCopySource(source string) (bucket, key, version string, err error) {
	source, query, _ := strings.Cut(source, "?")
	bucket, escapedKey, ok := strings.Cut(source, "/")
	if !ok {
		return "", "", "", s3Err("InvalidArgument", fmt.Sprintf("unparseable copy source %q", source))
	}
	if key, err = url.PathUnescape(escapedKey); err != nil {
		return "", "", "", s3Err("InvalidArgument", fmt.Sprintf("unparseable copy source key %q", escapedKey))
	}
	version = strings.TrimPrefix(query, "versionId=")
	if query == "" {
		version = ""
	}
	return bucket, key, version, nil
}

// Object deletes.

func (s *S3API) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return s.DeleteObjectBehavior.Invoke(input, func(input *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		s.Lock()
		defer s.Unlock()
		return s.deleteObject(input.Bucket, s3types.ObjectIdentifier{Key: input.Key, VersionId: input.VersionId})
	})
}

func (s *S3API) DeleteObjects(_ context.Context, input *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	return s.DeleteObjectsBehavior.Invoke(input, func(input *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
		s.Lock()
		defer s.Unlock()
		out := &s3.DeleteObjectsOutput{}
		for _, identifier := range input.Delete.Objects {
			single, err := s.deleteObject(input.Bucket, identifier)
			if err != nil {
				var apiErr smithy.APIError
				if !stderrors.As(err, &apiErr) {
					return nil, err
				}
				out.Errors = append(out.Errors, s3types.Error{
					Key:       identifier.Key,
					VersionId: identifier.VersionId,
					Code:      aws.String(apiErr.ErrorCode()),
					Message:   aws.String(apiErr.ErrorMessage()),
				})
				continue
			}
			deleted := s3types.DeletedObject{
				Key:          identifier.Key,
				VersionId:    identifier.VersionId,
				DeleteMarker: single.DeleteMarker,
			}
			if aws.ToBool(single.DeleteMarker) {
				deleted.DeleteMarkerVersionId = single.VersionId
			}
			out.Deleted = append(out.Deleted, deleted)
		}
		return out, nil
	})
}

// deleteObject must be called holding the lock. Deleting without a version on
// a versioned bucket lays a delete marker; with one it erases that entry.
func (s *S3API) deleteObject(bucketName *string, identifier s3types.ObjectIdentifier) (*s3.DeleteObjectOutput, error) {
	bucket, err := s.bucket(bucketName)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(identifier.Key)
	history := bucket.Objects[key]
	if identifier.VersionId != nil {
		version := aws.ToString(identifier.VersionId)
		kept := lo.Filter(history, func(obj *S3Object, _ int) bool { return obj.VersionID != version })
		if len(kept) == 0 {
			delete(bucket.Objects, key)
		} else {
			bucket.Objects[key] = kept
		}
		return &s3.DeleteObjectOutput{VersionId: identifier.VersionId}, nil
	}
	if !bucket.Versioned {
		delete(bucket.Objects, key)
		return &s3.DeleteObjectOutput{}, nil
	}
	marker := &S3Object{
		Key:          key,
		VersionID:    s.versionID(),
		LastModified: s.tick(),
		DeleteMarker: true,
	}
	bucket.Objects[key] = append(history, marker)
	// Like the real API, the marker's own version comes back as VersionId.
	return &s3.DeleteObjectOutput{
		DeleteMarker: aws.Bool(true),
		VersionId:    aws.String(marker.VersionID),
	}, nil
}

// Listings.

func (s *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return s.ListObjectsV2Behavior.Invoke(input, func(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		s.Lock()
		defer s.Unlock()
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		prefix := aws.ToString(input.Prefix)
		delimiter := aws.ToString(input.Delimiter)
		after := aws.ToString(input.StartAfter)
		if token := aws.ToString(input.ContinuationToken); token > after {
			after = token
		}
		keys := lo.Filter(lo.Keys(bucket.Objects), func(key string, _ int) bool {
			return latest(bucket.Objects[key]) != nil && strings.HasPrefix(key, prefix)
		})
		sort.Strings(keys)

		type entry struct {
			key    string
			prefix bool
		}
		entries := []entry{}
		lastPrefix := ""
		for _, key := range keys {
			emission := entry{key: key}
			if delimiter != "" {
				if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
					emission = entry{key: prefix + key[len(prefix):][:i+len(delimiter)], prefix: true}
					if emission.key == lastPrefix {
						continue
					}
					lastPrefix = emission.key
				}
			}
			if emission.key <= after {
				continue
			}
			entries = append(entries, emission)
		}

		maxKeys := 1000
		if input.MaxKeys != nil {
			maxKeys = int(*input.MaxKeys)
		}
		out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
		for i, emission := range entries {
			if i >= maxKeys {
				out.IsTruncated = aws.Bool(true)
				out.NextContinuationToken = aws.String(entries[i-1].key)
				break
			}
			if emission.prefix {
				out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(emission.key)})
				continue
			}
			obj := latest(bucket.Objects[emission.key])
			out.Contents = append(out.Contents, s3types.Object{
				Key:          aws.String(obj.Key),
				Size:         aws.Int64(int64(len(obj.Data))),
				ETag:         aws.String(obj.ETag),
				LastModified: aws.Time(obj.LastModified),
				StorageClass: s3types.ObjectStorageClass(obj.StorageClass),
			})
		}
		out.KeyCount = aws.Int32(int32(len(out.Contents) + len(out.CommonPrefixes)))
		return out, nil
	})
}

func (s *S3API) ListObjectVersions(_ context.Context, input *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	return s.ListObjectVersionsBehavior.Invoke(input, func(input *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
		s.Lock()
		defer s.Unlock()
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		prefix := aws.ToString(input.Prefix)
		keys := lo.Filter(lo.Keys(bucket.Objects), func(key string, _ int) bool { return strings.HasPrefix(key, prefix) })
		sort.Strings(keys)
		out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
		for _, key := range keys {
			history := bucket.Objects[key]
			for i := len(history) - 1; i >= 0; i-- {
				obj := history[i]
				versionID := obj.VersionID
				if versionID == "" {
					versionID = "null"
				}
				isLatest := i == len(history)-1
				if obj.DeleteMarker {
					out.DeleteMarkers = append(out.DeleteMarkers, s3types.DeleteMarkerEntry{
						Key:          aws.String(key),
						VersionId:    aws.String(versionID),
						IsLatest:     aws.Bool(isLatest),
						LastModified: aws.Time(obj.LastModified),
					})
					continue
				}
				out.Versions = append(out.Versions, s3types.ObjectVersion{
					Key:          aws.String(key),
					VersionId:    aws.String(versionID),
					IsLatest:     aws.Bool(isLatest),
					ETag:         aws.String(obj.ETag),
					Size:         aws.Int64(int64(len(obj.Data))),
					LastModified: aws.Time(obj.LastModified),
				})
			}
		}
		return out, nil
	})
}

// Multipart uploads; the transfer manager only reaches for these above its
// part-size threshold.

func (s *S3API) CreateMultipartUpload(_ context.Context, input *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return s.CreateMultipartUploadBehavior.Invoke(input, func(input *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error) {
		s.Lock()
		defer s.Unlock()
		if _, err := s.bucket(input.Bucket); err != nil {
			return nil, err
		}
		s.nextUpload++
		id := fmt.Sprintf("fakeupload-%04d", s.nextUpload)
		s.uploads[id] = &multipartUpload{input: input, parts: map[int32][]byte{}}
		return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
	})
}

func (s *S3API) UploadPart(_ context.Context, input *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	var data []byte
	if input.Body != nil {
		var err error
		if data, err = io.ReadAll(input.Body); err != nil {
			return nil, err
		}
		input.Body = nil
	}
	return s.UploadPartBehavior.Invoke(input, func(input *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
		s.Lock()
		defer s.Unlock()
		upload, ok := s.uploads[aws.ToString(input.UploadId)]
		if !ok {
			return nil, s3Err("NoSuchUpload", fmt.Sprintf("upload %q does not exist", aws.ToString(input.UploadId)))
		}
		upload.parts[aws.ToInt32(input.PartNumber)] = data
		return &s3.UploadPartOutput{ETag: aws.String(etagOf(data))}, nil
	})
}

func (s *S3API) CompleteMultipartUpload(_ context.Context, input *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return s.CompleteMultipartUploadBehavior.Invoke(input, func(input *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
		s.Lock()
		defer s.Unlock()
		upload, ok := s.uploads[aws.ToString(input.UploadId)]
		if !ok {
			return nil, s3Err("NoSuchUpload", fmt.Sprintf("upload %q does not exist", aws.ToString(input.UploadId)))
		}
		bucket, err := s.bucket(input.Bucket)
		if err != nil {
			return nil, err
		}
		numbers := lo.Keys(upload.parts)
		sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
		data := []byte{}
		for _, n := range numbers {
			data = append(data, upload.parts[n]...)
		}
		obj := s.store(bucket, aws.ToString(input.Key), data, upload.input.Metadata, func(obj *S3Object) {
			obj.ContentType = aws.ToString(upload.input.ContentType)
			obj.StorageClass = s3types.StorageClass(upload.input.StorageClass)
		})
		delete(s.uploads, aws.ToString(input.UploadId))
		out := &s3.CompleteMultipartUploadOutput{ETag: aws.String(obj.ETag)}
		if obj.VersionID != "" {
			out.VersionId = aws.String(obj.VersionID)
		}
		return out, nil
	})
}

func (s *S3API) AbortMultipartUpload(_ context.Context, input *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return s.AbortMultipartUploadBehavior.Invoke(input, func(input *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error) {
		s.Lock()
		defer s.Unlock()
		delete(s.uploads, aws.ToString(input.UploadId))
		return &s3.AbortMultipartUploadOutput{}, nil
	})
}

// S3Presigner mints deterministic fake URLs with the requested expiry baked
// into the query, enough for assertions on verb and lifetime.
type S3Presigner struct{}

var _ sdk.S3PresignAPI = &S3Presigner{}

func (S3Presigner) PresignGetObject(_ context.Context, input *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return presigned(http.MethodGet, input.Bucket, input.Key, optFns)
}

func (S3Presigner) PresignPutObject(_ context.Context, input *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return presigned(http.MethodPut, input.Bucket, input.Key, optFns)
}

func (S3Presigner) PresignDeleteObject(_ context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return presigned(http.MethodDelete, input.Bucket, input.Key, optFns)
}

func presigned(method string, bucket, key *string, optFns []func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	options := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&options)
	}
	return &v4.PresignedHTTPRequest{
		Method: method,
		URL: fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Expires=%d",
			aws.ToString(bucket), url.PathEscape(aws.ToString(key)), int(options.Expires.Seconds())),
	}, nil
}

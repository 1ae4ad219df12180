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

package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/errors"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors")
}

var _ = Describe("Taxonomy", func() {
	It("should classify constructed errors by kind", func() {
		Expect(errors.IsNotFound(errors.NewNotFound("object %q does not exist", "a/b"))).To(BeTrue())
		Expect(errors.IsConflict(errors.NewConflict("collection exists"))).To(BeTrue())
		Expect(errors.IsPreconditionFailed(errors.NewPreconditionFailed("etag mismatch"))).To(BeTrue())
		Expect(errors.IsNotModified(errors.NewNotModified("unchanged"))).To(BeTrue())
		Expect(errors.IsUnsupported(errors.NewUnsupported("traffic split"))).To(BeTrue())
		Expect(errors.IsTimeout(errors.NewTimeout("service did not stabilize"))).To(BeTrue())
		Expect(errors.IsBadRequest(errors.NewBadRequest("invalid range"))).To(BeTrue())
	})
	It("should classify through fmt.Errorf wrapping", func() {
		err := fmt.Errorf("getting object %q, %w", "a", errors.NewNotFound("no such object"))
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(errors.IsConflict(err)).To(BeFalse())
	})
	It("should expose the native error", func() {
		native := fmt.Errorf("wire failure")
		err := errors.Wrap(errors.KindConflict, native, "creating repository")
		Expect(errors.Native(err)).To(MatchError(native))
		Expect(errors.Native(fmt.Errorf("plain"))).To(BeNil())
	})
	It("should ignore not-found on request", func() {
		Expect(errors.IgnoreNotFound(errors.NewNotFound("gone"))).To(BeNil())
		Expect(errors.IgnoreNotFound(errors.NewConflict("exists"))).ToNot(BeNil())
		Expect(errors.IgnoreConflict(errors.NewConflict("exists"))).To(BeNil())
	})
})

var _ = Describe("AWS", func() {
	It("should classify API error codes", func() {
		Expect(errors.IsNotFound(errors.FromAWS(&smithy.GenericAPIError{Code: "NoSuchKey"}))).To(BeTrue())
		Expect(errors.IsNotFound(errors.FromAWS(&smithy.GenericAPIError{Code: "ClusterNotFoundException"}))).To(BeTrue())
		Expect(errors.IsConflict(errors.FromAWS(&smithy.GenericAPIError{Code: "EntityAlreadyExists"}))).To(BeTrue())
		Expect(errors.IsConflict(errors.FromAWS(&smithy.GenericAPIError{Code: "DependencyViolation"}))).To(BeTrue())
		Expect(errors.IsPreconditionFailed(errors.FromAWS(&smithy.GenericAPIError{Code: "PreconditionFailed"}))).To(BeTrue())
	})
	It("should pass unknown codes through unchanged", func() {
		native := &smithy.GenericAPIError{Code: "ThrottlingException"}
		Expect(errors.FromAWS(native)).To(MatchError(native))
	})
	It("should match dependency violations for teardown retries", func() {
		Expect(errors.IsDependencyViolation(&smithy.GenericAPIError{Code: "DependencyViolation"})).To(BeTrue())
		Expect(errors.IsDependencyViolation(&smithy.GenericAPIError{Code: "NoSuchKey"})).To(BeFalse())
		Expect(errors.IsDependencyViolation(nil)).To(BeFalse())
	})
})

var _ = Describe("Azure", func() {
	It("should classify response error codes", func() {
		Expect(errors.IsNotFound(errors.FromAzure(&azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}))).To(BeTrue())
		Expect(errors.IsPreconditionFailed(errors.FromAzure(&azcore.ResponseError{ErrorCode: "ConditionNotMet", StatusCode: http.StatusPreconditionFailed}))).To(BeTrue())
		Expect(errors.IsNotModified(errors.FromAzure(&azcore.ResponseError{StatusCode: http.StatusNotModified}))).To(BeTrue())
	})
})

var _ = Describe("GCP", func() {
	It("should classify googleapi status codes", func() {
		Expect(errors.IsNotFound(errors.FromGCP(&googleapi.Error{Code: http.StatusNotFound}))).To(BeTrue())
		Expect(errors.IsPreconditionFailed(errors.FromGCP(&googleapi.Error{Code: http.StatusPreconditionFailed}))).To(BeTrue())
		Expect(errors.IsNotModified(errors.FromGCP(&googleapi.Error{Code: http.StatusNotModified}))).To(BeTrue())
	})
})

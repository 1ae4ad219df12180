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

package query_test

import (
	"testing"
	"time"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/query"
)

func TestQuery(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Query")
}

var _ = Describe("Parse", func() {
	It("should treat empty input as no condition", func() {
		expr, err := query.Parse("   ")
		Expect(err).ToNot(HaveOccurred())
		Expect(expr).To(BeNil())
	})
	It("should parse comparisons over reserved fields", func() {
		expr, err := query.Parse("$etag = 'abc'")
		Expect(err).ToNot(HaveOccurred())
		cmp, ok := expr.(query.Comparison)
		Expect(ok).To(BeTrue())
		Expect(cmp.Op).To(Equal(query.OpEQ))
		Expect(cmp.Left).To(Equal(query.Field{Name: "etag"}))
		Expect(cmp.Right).To(Equal(query.String{Value: "abc"}))
	})
	It("should unescape doubled quotes in strings", func() {
		expr := query.MustParse("$etag = 'it''s'")
		Expect(expr.(query.Comparison).Right).To(Equal(query.String{Value: "it's"}))
	})
	It("should parse boolean combinators with precedence", func() {
		expr := query.MustParse("$etag='a' OR $etag='b' AND NOT exists()")
		or, ok := expr.(query.Or)
		Expect(ok).To(BeTrue())
		and, ok := or.Right.(query.And)
		Expect(ok).To(BeTrue())
		_, ok = and.Right.(query.Not)
		Expect(ok).To(BeTrue())
	})
	It("should parse function calls with arguments", func() {
		expr := query.MustParse("starts_with_delimited($id, 'data/', '/')")
		call, ok := expr.(query.Call)
		Expect(ok).To(BeTrue())
		Expect(call.Name).To(Equal(query.FuncStartsWithDelimited))
		Expect(call.Args).To(HaveLen(3))
	})
	It("should parse numeric literals", func() {
		expr := query.MustParse("$modified > 1700000000.5")
		num, ok := expr.(query.Comparison).Right.(query.Number)
		Expect(ok).To(BeTrue())
		Expect(num.Value).To(BeNumerically("~", 1700000000.5))
		Expect(num.IsInt).To(BeFalse())
	})
	It("should reject malformed input", func() {
		for _, input := range []string{"$etag =", "starts_with($id", "'unterminated", "$ = 'x'", "$etag = 'a' garbage"} {
			_, err := query.Parse(input)
			Expect(errors.IsBadRequest(err)).To(BeTrue(), "input %q", input)
		}
	})
})

var _ = Describe("CompileMatch", func() {
	It("should compile the etag wildcard to an existence check", func() {
		cond, err := query.ParseMatch("$etag = '*'", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cond.Exists).To(HaveValue(BeTrue()))
		Expect(cond.IfMatch).To(BeEmpty())
	})
	It("should compile etag equality and inequality", func() {
		cond, err := query.ParseMatch("$etag = 'e1' AND $version != 'v9'", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cond.IfMatch).To(Equal("e1"))
		Expect(cond.IfVersionNotMatch).To(Equal("v9"))
	})
	It("should compile existence functions", func() {
		cond, err := query.ParseMatch("not_exists()", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(cond.Exists).To(HaveValue(BeFalse()))
	})
	It("should compile modified bounds from parameters", func() {
		now := time.Now()
		cond, err := query.ParseMatch("$modified > @since", map[string]interface{}{"since": now})
		Expect(err).ToNot(HaveOccurred())
		Expect(cond.IfModifiedSince).To(HaveValue(BeNumerically("~", apis.EpochSeconds(now), 1e-6)))
	})
	It("should reject unbound parameters", func() {
		_, err := query.ParseMatch("$etag = @missing", nil)
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should reject disjunctions and listing functions", func() {
		for _, input := range []string{"$etag='a' OR $etag='b'", "starts_with($id,'p')", "$id > 'a'"} {
			_, err := query.ParseMatch(input, nil)
			Expect(errors.IsBadRequest(err)).To(BeTrue(), "input %q", input)
		}
	})
	It("should reject conflicting duplicates", func() {
		_, err := query.ParseMatch("$etag='a' AND $etag='b'", nil)
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("CompileListing", func() {
	It("should compile a plain prefix", func() {
		plan, err := query.ParseListing("starts_with($id, 'data/')", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(plan).To(Equal(query.ListPlan{Prefix: "data/"}))
	})
	It("should compile a delimited prefix", func() {
		plan, err := query.ParseListing("starts_with_delimited($id, 'data/', '/')", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(plan).To(Equal(query.ListPlan{Prefix: "data/", Delimiter: "/"}))
	})
	It("should compile key bounds", func() {
		plan, err := query.ParseListing("$id > 'a' AND $id < 'q'", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(plan.After).To(Equal("a"))
		Expect(plan.Before).To(Equal("q"))
	})
	It("should combine a prefix with bounds", func() {
		plan, err := query.ParseListing("starts_with($id, 'p/') AND $id > 'p/m'", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(plan.Prefix).To(Equal("p/"))
		Expect(plan.After).To(Equal("p/m"))
	})
	It("should reject everything else", func() {
		for _, input := range []string{"$etag = 'x'", "exists()", "$id >= 'a'", "starts_with($etag,'p')", "$id > 'a' OR $id < 'b'"} {
			_, err := query.ParseListing(input, nil)
			Expect(errors.IsBadRequest(err)).To(BeTrue(), "input %q", input)
		}
	})
})

var _ = Describe("ExistsOnly", func() {
	It("should map the existence functions", func() {
		Expect(lo.Must(query.ExistsOnly(query.MustParse("exists()")))).To(HaveValue(BeTrue()))
		Expect(lo.Must(query.ExistsOnly(query.MustParse("not_exists()")))).To(HaveValue(BeFalse()))
		Expect(lo.Must(query.ExistsOnly(nil))).To(BeNil())
	})
	It("should refuse richer conditions", func() {
		_, err := query.ExistsOnly(query.MustParse("$etag = 'x'"))
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

package batch_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/store"
)

type countingRecorder struct {
	batches int
	entries map[string]int
}

func (r *countingRecorder) RecordBatch(string) { r.batches++ }
func (r *countingRecorder) RecordBatchEntry(method, status string) {
	r.entries[method+" "+status]++
}

func entry(method, url string, body resource.Resource) resource.BundleEntry {
	return resource.BundleEntry{
		Resource: body,
		Request:  &resource.BundleRequest{Method: method, URL: url},
	}
}

func bundleOf(bundleType string, entries ...resource.BundleEntry) *resource.Bundle {
	b := resource.NewBundle(bundleType)
	b.Entry = entries
	return b
}

var _ = Describe("Executor", func() {
	var (
		ctx      context.Context
		s        *store.Store
		exec     *batch.Executor
		recorder *countingRecorder
		now      time.Time
		stamp    time.Time
		nextID   int
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		stamp = time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
		nextID = 0
		s = store.New(
			store.WithClock(func() time.Time {
				now = now.Add(time.Second)
				return now
			}),
			store.WithIDGenerator(func() string {
				nextID++
				return "gen-" + strconv.Itoa(nextID)
			}),
		)
		recorder = &countingRecorder{entries: map[string]int{}}
		exec = batch.NewExecutor(s,
			batch.WithMetrics(recorder),
			batch.WithClock(func() time.Time { return stamp }),
		)
	})

	Describe("Execute", func() {
		It("reports a failure in one entry without affecting the others", func() {
			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("POST", "Patient", resource.Resource{"resourceType": "Patient", "name": []any{map[string]any{"family": "Smith"}}}),
				entry("GET", "Patient/does-not-exist", nil),
				entry("POST", "Organization", resource.Resource{"resourceType": "Organization", "name": "Acme"}),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(resource.BundleBatchResponse))
			Expect(resp.Entry).To(HaveLen(3))

			Expect(resp.Entry[0].Response.Status).To(Equal("201"))
			Expect(resp.Entry[0].Resource.ResourceType()).To(Equal("Patient"))
			Expect(resp.Entry[0].Response.Location).To(HavePrefix("Patient/gen-1/_history/"))

			Expect(resp.Entry[1].Response.Status).To(Equal("404"))
			Expect(resource.IsOutcome(resp.Entry[1].Resource)).To(BeTrue())
			Expect(resp.Entry[1].Response.Outcome).NotTo(BeNil())

			Expect(resp.Entry[2].Response.Status).To(Equal("201"))
			Expect(resp.Entry[2].Resource.ResourceType()).To(Equal("Organization"))

			Expect(s.Count("Patient")).To(Equal(1))
			Expect(s.Count("Organization")).To(Equal(1))
			Expect(recorder.batches).To(Equal(1))
			Expect(recorder.entries["POST 201"]).To(Equal(2))
			Expect(recorder.entries["GET 404"]).To(Equal(1))
		})

		It("answers a transaction with a transaction-response", func() {
			resp, err := exec.Execute(ctx, bundleOf(resource.BundleTransaction,
				entry("POST", "Patient", resource.Resource{"resourceType": "Patient"}),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(resource.BundleTransactionResponse))
			Expect(resp.ID).NotTo(BeEmpty())
			Expect(resp.Timestamp).To(Equal(resource.FormatTime(stamp)))
		})

		It("keeps effects of earlier entries visible to later ones", func() {
			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("PUT", "Patient/p1", resource.Resource{"resourceType": "Patient", "id": "p1", "gender": "female"}),
				entry("GET", "Patient/p1", nil),
				entry("DELETE", "Patient/p1", nil),
				entry("GET", "Patient/p1", nil),
				entry("GET", "Patient/p1/_history", nil),
			))
			Expect(err).NotTo(HaveOccurred())

			statuses := make([]string, len(resp.Entry))
			for i, e := range resp.Entry {
				statuses[i] = e.Response.Status
			}
			Expect(statuses).To(Equal([]string{"200", "200", "200", "404", "200"}))
			Expect(resp.Entry[1].Resource["gender"]).To(Equal("female"))
			Expect(resp.Entry[2].Resource).To(Equal(resource.AllOK()))

			history, err := resource.BundleFromResource(resp.Entry[4].Resource)
			Expect(err).NotTo(HaveOccurred())
			Expect(history.Type).To(Equal(resource.BundleHistory))
			Expect(*history.Total).To(Equal(2))
			Expect(history.Entry[0].Request.Method).To(Equal("DELETE"))
		})

		It("reads a specific version", func() {
			created, err := s.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient", "gender": "male"})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Update(ctx, "Patient", created.ID, resource.Resource{"resourceType": "Patient", "id": created.ID, "gender": "other"})
			Expect(err).NotTo(HaveOccurred())

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("GET", "Patient/"+created.ID+"/_history/"+created.VersionID, nil),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("200"))
			Expect(resp.Entry[0].Resource["gender"]).To(Equal("male"))
			Expect(resp.Entry[0].Response.Etag).To(Equal(`W/"` + created.VersionID + `"`))
		})

		It("searches with query parameters", func() {
			for _, g := range []string{"female", "male", "female"} {
				_, err := s.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient", "gender": g})
				Expect(err).NotTo(HaveOccurred())
			}

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("GET", "Patient?gender=female&_count=1", nil),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("200"))

			set, err := resource.BundleFromResource(resp.Entry[0].Resource)
			Expect(err).NotTo(HaveOccurred())
			Expect(set.Type).To(Equal(resource.BundleSearchset))
			Expect(*set.Total).To(Equal(2))
			Expect(set.Entry).To(HaveLen(1))
			Expect(resp.Entry[0].FullURL).To(BeEmpty())
		})

		It("normalizes absolute and prefixed urls", func() {
			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("POST", "https://example.com/fhir/R4/Patient", resource.Resource{"resourceType": "Patient"}),
				entry("GET", "/fhir/R4/Patient/gen-1", nil),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("201"))
			Expect(resp.Entry[1].Response.Status).To(Equal("200"))
			Expect(resp.Entry[1].FullURL).To(Equal("Patient/gen-1"))
		})

		It("rejects unsupported methods and urls per entry", func() {
			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("HEAD", "Patient", nil),
				entry("GET", "Patient/p1/_everything", nil),
				resource.BundleEntry{},
				entry("POST", "Unknown", resource.Resource{"resourceType": "Unknown"}),
			))
			Expect(err).NotTo(HaveOccurred())
			for _, e := range resp.Entry {
				Expect(e.Response.Status).To(Equal("400"))
				Expect(resource.IsOutcome(e.Resource)).To(BeTrue())
			}
		})

		It("fails structurally for a non-batch bundle type", func() {
			_, err := exec.Execute(ctx, bundleOf(resource.BundleSearchset))
			Expect(errors.Is(err, resource.ErrValidation)).To(BeTrue())
			Expect(recorder.batches).To(BeZero())
		})

		It("fails structurally for a nil bundle", func() {
			_, err := exec.Execute(ctx, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("PATCH entries", func() {
		var id string

		BeforeEach(func() {
			rec, err := s.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient", "active": false})
			Expect(err).NotTo(HaveOccurred())
			id = rec.ID
		})

		It("applies a json-patch carried in a Binary body", func() {
			body, err := batch.PatchBody([]patch.Operation{
				{Op: patch.OpReplace, Path: "/active", Value: true},
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch, entry("PATCH", "Patient/"+id, body)))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("200"))
			Expect(resp.Entry[0].Resource["active"]).To(Equal(true))

			rec, err := s.Read(ctx, "Patient", id)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Content["active"]).To(Equal(true))
		})

		It("reports a failed test operation as unprocessable", func() {
			body, err := batch.PatchBody([]patch.Operation{
				{Op: patch.OpTest, Path: "/active", Value: true},
			})
			Expect(err).NotTo(HaveOccurred())

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch, entry("PATCH", "Patient/"+id, body)))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("422"))
		})

		It("rejects a body that is not a json-patch Binary", func() {
			ops, _ := json.Marshal([]map[string]any{{"op": "remove", "path": "/active"}})
			body := resource.Resource{
				"resourceType": "Binary",
				"contentType":  "application/json",
				"data":         base64.StdEncoding.EncodeToString(ops),
			}

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("PATCH", "Patient/"+id, body),
				entry("PATCH", "Patient/"+id, resource.Resource{"resourceType": "Patient"}),
				entry("PATCH", "Patient/"+id, nil),
			))
			Expect(err).NotTo(HaveOccurred())
			for _, e := range resp.Entry {
				Expect(e.Response.Status).To(Equal("400"))
			}
		})
	})

	Describe("Mount", func() {
		It("routes matching prefixes to the mounted handler", func() {
			var seen batch.EntryRequest
			exec.Mount("/auth/", batch.HandlerFunc(func(_ context.Context, req batch.EntryRequest) (*batch.Result, error) {
				seen = req
				return &batch.Result{Status: 200, Resource: resource.AllOK()}, nil
			}))

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("post", "auth/newuser?x=1", resource.Resource{"email": "a@example.com"}),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("200"))
			Expect(seen.Method).To(Equal("POST"))
			Expect(seen.Path).To(Equal("auth/newuser"))
			Expect(seen.Query).To(Equal("x=1"))
			Expect(seen.Resource["email"]).To(Equal("a@example.com"))
		})

		It("prefers the longest matching prefix", func() {
			var hit string
			exec.Mount("admin", batch.HandlerFunc(func(context.Context, batch.EntryRequest) (*batch.Result, error) {
				hit = "admin"
				return &batch.Result{Status: 200}, nil
			}))
			exec.Mount("admin/projects", batch.HandlerFunc(func(context.Context, batch.EntryRequest) (*batch.Result, error) {
				hit = "projects"
				return &batch.Result{Status: 200}, nil
			}))

			_, err := exec.Execute(ctx, bundleOf(resource.BundleBatch, entry("GET", "admin/projects/p1", nil)))
			Expect(err).NotTo(HaveOccurred())
			Expect(hit).To(Equal("projects"))
		})

		It("isolates a panicking handler", func() {
			exec.Mount("boom", batch.HandlerFunc(func(context.Context, batch.EntryRequest) (*batch.Result, error) {
				panic("kaboom")
			}))

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch,
				entry("POST", "boom", nil),
				entry("POST", "Patient", resource.Resource{"resourceType": "Patient"}),
			))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("500"))
			Expect(resp.Entry[1].Response.Status).To(Equal("201"))
		})

		It("surfaces handler errors as outcomes", func() {
			exec.Mount("auth", batch.HandlerFunc(func(context.Context, batch.EntryRequest) (*batch.Result, error) {
				return nil, resource.Conflictf("already registered")
			}))

			resp, err := exec.Execute(ctx, bundleOf(resource.BundleBatch, entry("POST", "auth/newuser", nil)))
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entry[0].Response.Status).To(Equal("409"))
			Expect(resp.Entry[0].Response.Outcome["id"]).To(Equal("conflict"))
		})
	})

	Describe("ExecuteJSON", func() {
		It("round-trips a batch document", func() {
			out, err := exec.ExecuteJSON(ctx, []byte(`{
				"resourceType": "Bundle",
				"type": "batch",
				"entry": [{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient"}}]
			}`))
			Expect(err).NotTo(HaveOccurred())

			resp, err := resource.ParseBundle(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(resource.BundleBatchResponse))
			Expect(resp.Entry[0].Response.Status).To(Equal("201"))
		})

		It("runs a bundle without a type as a batch", func() {
			_, err := s.Update(ctx, "Questionnaire", "123", resource.Resource{"resourceType": "Questionnaire", "id": "123"})
			Expect(err).NotTo(HaveOccurred())

			out, err := exec.ExecuteJSON(ctx, []byte(`{
				"resourceType": "Bundle",
				"entry": [
					{"request": {"method": "GET", "url": "Questionnaire/123"}},
					{"request": {"method": "GET", "url": "Questionnaire/not-found"}},
					{"request": {"method": "POST", "url": "Patient"}, "resource": {"resourceType": "Patient"}}
				]
			}`))
			Expect(err).NotTo(HaveOccurred())

			resp, err := resource.ParseBundle(out)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Type).To(Equal(resource.BundleBatchResponse))
			Expect(resp.Entry).To(HaveLen(3))

			Expect(resp.Entry[0].Response.Status).To(Equal("200"))
			Expect(resp.Entry[0].Resource.ID()).To(Equal("123"))

			Expect(resp.Entry[1].Response.Status).To(Equal("404"))
			Expect(resp.Entry[1].Resource["id"]).To(Equal("not-found"))

			Expect(resp.Entry[2].Response.Status).To(Equal("201"))
			Expect(resp.Entry[2].Resource.ResourceType()).To(Equal("Patient"))
			Expect(s.Count("Patient")).To(Equal(1))
		})

		It("rejects a document that is not a Bundle", func() {
			_, err := exec.ExecuteJSON(ctx, []byte(`{"resourceType": "Patient"}`))
			Expect(errors.Is(err, resource.ErrValidation)).To(BeTrue())
		})
	})
})

var _ = Describe("ParseURL", func() {
	DescribeTable("splits entry urls",
		func(raw, typ, id, vid string, history bool) {
			t, err := batch.ParseURL(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Type).To(Equal(typ))
			Expect(t.ID).To(Equal(id))
			Expect(t.VersionID).To(Equal(vid))
			Expect(t.History).To(Equal(history))
		},
		Entry("type", "Patient", "Patient", "", "", false),
		Entry("instance", "/Patient/1", "Patient", "1", "", false),
		Entry("history", "Patient/1/_history", "Patient", "1", "", true),
		Entry("version", "fhir/R4/Patient/1/_history/7", "Patient", "1", "7", true),
		Entry("absolute", "http://host/fhir/R4/Patient/1?_count=1", "Patient", "1", "", false),
		Entry("bare base", "/fhir/R4", "", "", "", false),
		Entry("base lookalike kept", "fhir/R4x/Patient", "fhir", "R4x", "", false),
	)

	It("requires a url", func() {
		_, err := batch.ParseURL("  ")
		Expect(errors.Is(err, resource.ErrValidation)).To(BeTrue())
	})
})

package admission

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/cassinfra/kubedoor-agent/pkg/tunnel"
)

func TestAdmission(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "admission mutator suite")
}

type fakeTunnel struct {
	connected bool
	answer    json.RawMessage
	err       error
}

func (f *fakeTunnel) Current() *tunnel.Conn {
	if !f.connected {
		return nil
	}
	return &tunnel.Conn{}
}

func (f *fakeTunnel) RequestAdmisDecision(ctx context.Context, namespace, deployment string, timeout time.Duration) (json.RawMessage, error) {
	return f.answer, f.err
}

var _ = Describe("Mutator.Mutate", func() {
	var m *Mutator
	var ft *fakeTunnel

	BeforeEach(func() {
		ft = &fakeTunnel{connected: true}
		m = New(fake.NewSimpleClientset(), ft, nil, "kubedoor-scheduled", "")
	})

	It("denies with 503 when the tunnel is disconnected", func() {
		ft.connected = false
		req := admissionv1.AdmissionRequest{
			Kind:      metav1.GroupVersionKind{Kind: "Deployment"},
			Operation: admissionv1.Create,
			Namespace: "default",
			Name:      "web",
			Object:    runtimeRawExt(`{"metadata":{},"spec":{"replicas":3}}`),
		}
		resp := m.Mutate(context.Background(), req)
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Code).To(BeEquivalentTo(503))
	})

	It("allows without contacting the master when scale.temp is fresh on a Scale update", func() {
		fresh := time.Now().Format(scaleTempLayout)
		req := admissionv1.AdmissionRequest{
			Kind:      metav1.GroupVersionKind{Kind: "Scale"},
			Operation: admissionv1.Update,
			Namespace: "default",
			Name:      "web",
			Object:    runtimeRawExt(`{"metadata":{"annotations":{"scale.temp":"` + fresh + `@3-->5"}},"spec":{"replicas":5}}`),
		}
		resp := m.Mutate(context.Background(), req)
		Expect(resp.Allowed).To(BeTrue())
		Expect(resp.Patch).To(BeEmpty())
	})

	It("denies with 504 when the master times out", func() {
		ft.err = context.DeadlineExceeded
		req := admissionv1.AdmissionRequest{
			Kind:      metav1.GroupVersionKind{Kind: "Deployment"},
			Operation: admissionv1.Create,
			Namespace: "default",
			Name:      "web",
			Object:    runtimeRawExt(`{"metadata":{},"spec":{"replicas":3}}`),
		}
		resp := m.Mutate(context.Background(), req)
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Code).To(BeEquivalentTo(504))
	})

	It("patches replicas only for a bare Scale update", func() {
		ft.answer = mustMarshal([]any{int64(4), int64(-1), int64(-1), int64(100), int64(128), int64(200), int64(256), false})
		req := admissionv1.AdmissionRequest{
			Kind:      metav1.GroupVersionKind{Kind: "Scale"},
			Operation: admissionv1.Update,
			Namespace: "default",
			Name:      "web",
			Object:    runtimeRawExt(`{"metadata":{},"spec":{"replicas":4}}`),
		}
		resp := m.Mutate(context.Background(), req)
		Expect(resp.Allowed).To(BeTrue())
		Expect(resp.Patch).To(HaveLen(1))
		Expect(resp.Patch[0].Path).To(Equal("/spec/replicas"))
	})
})

var _ = Describe("ServeAdmisSwitch", func() {
	It("round-trips on/off with success+message, the second call idempotent", func() {
		client := fake.NewSimpleClientset()
		m := New(client, &fakeTunnel{}, nil, "kubedoor", "ZmFrZS1jYQ==")

		do := func(action string) map[string]any {
			req := httptest.NewRequest("GET", "/api/admis_switch?action="+action, nil)
			rec := httptest.NewRecorder()
			m.ServeAdmisSwitch(rec, req)
			var out map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
			return out
		}

		first := do("on")
		Expect(first["success"]).To(Equal(true))
		Expect(first["message"]).NotTo(Equal("Webhook is already opened!"))

		second := do("on")
		Expect(second["success"]).To(Equal(true))
		Expect(second["message"]).To(Equal("Webhook is already opened!"))

		firstOff := do("off")
		Expect(firstOff["success"]).To(Equal(true))
		Expect(firstOff["message"]).NotTo(Equal("Webhook is already closed!"))

		secondOff := do("off")
		Expect(secondOff["success"]).To(Equal(true))
		Expect(secondOff["message"]).To(Equal("Webhook is already closed!"))
	})
})

var _ = Describe("ProcessMaxUnavailable", func() {
	It("passes numeric types straight through", func() {
		v, err := ProcessMaxUnavailable(3)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(3.0))
	})
	It("treats a percent string as a fraction", func() {
		v, err := ProcessMaxUnavailable("25%")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(0.25))
	})
	It("treats a dotted string as a float", func() {
		v, err := ProcessMaxUnavailable("0.5")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(0.5))
	})
	It("treats a bare digit string as an int", func() {
		v, err := ProcessMaxUnavailable("2")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(2.0))
	})
})

func runtimeRawExt(s string) runtime.RawExtension {
	return runtime.RawExtension{Raw: []byte(s)}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

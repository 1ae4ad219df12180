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

package kube_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/kube"
	"github.com/strato-cloud/strato/pkg/test"
)

var (
	ctx        context.Context
	kubeClient client.Client
	engine     *kube.Engine
)

func TestKube(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Kube")
}

var _ = BeforeEach(func() {
	ctx = test.Context()
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	kubeClient = fake.NewClientBuilder().WithScheme(scheme).Build()
	engine = kube.NewEngine(kubeClient, kube.Config{Namespace: "default", WaitTimeout: 3 * time.Second})
})

const deploymentManifest = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  replicas: 1
  selector:
    matchLabels:
      app: web
  template:
    metadata:
      labels:
        app: web
    spec:
      containers:
      - name: web
        image: web:1
---
apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  selector:
    app: web
  ports:
  - port: 80
`

var _ = Describe("Normalize", func() {
	It("should split documents and inject the namespace", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		Expect(objects).To(HaveLen(2))
		Expect(objects[0].GetKind()).To(Equal("Deployment"))
		Expect(objects[0].GetNamespace()).To(Equal("default"))
		Expect(objects[1].GetKind()).To(Equal("Service"))
	})

	It("should keep an explicit namespace", func() {
		objects, err := engine.Normalize([]byte(`
apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
  namespace: platform
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(objects[0].GetNamespace()).To(Equal("platform"))
	})

	It("should not give cluster-scoped objects a namespace", func() {
		objects, err := engine.Normalize([]byte(`
apiVersion: v1
kind: Namespace
metadata:
  name: platform
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(objects[0].GetNamespace()).To(BeEmpty())
	})

	It("should skip empty documents", func() {
		objects, err := engine.Normalize([]byte("---\n\n---\napiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: one\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(objects).To(HaveLen(1))
	})

	It("should reject documents without a GVK", func() {
		_, err := engine.Normalize([]byte("metadata:\n  name: broken\n"))
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})

	It("should reject unnamed documents", func() {
		_, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\n"))
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("MergeOverlay", func() {
	base := func() *unstructured.Unstructured {
		return &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "apps/v1",
			"kind":       "Deployment",
			"metadata":   map[string]interface{}{"name": "web", "labels": map[string]interface{}{"tier": "frontend"}},
			"spec": map[string]interface{}{
				"replicas": int64(1),
				"paused":   false,
			},
		}}
	}

	It("should recurse into maps and replace scalars", func() {
		merged := kube.MergeOverlay(base(), map[string]interface{}{
			"spec": map[string]interface{}{"replicas": int64(3)},
		})
		replicas, _, _ := unstructured.NestedInt64(merged.Object, "spec", "replicas")
		Expect(replicas).To(Equal(int64(3)))
		paused, _, _ := unstructured.NestedBool(merged.Object, "spec", "paused")
		Expect(paused).To(BeFalse())
	})

	It("should remove keys on explicit null", func() {
		merged := kube.MergeOverlay(base(), map[string]interface{}{
			"spec": map[string]interface{}{"paused": nil},
		})
		_, found, _ := unstructured.NestedBool(merged.Object, "spec", "paused")
		Expect(found).To(BeFalse())
	})

	It("should replace lists wholesale", func() {
		withList := base()
		Expect(unstructured.SetNestedSlice(withList.Object, []interface{}{"a", "b"}, "spec", "finalizers")).To(Succeed())
		merged := kube.MergeOverlay(withList, map[string]interface{}{
			"spec": map[string]interface{}{"finalizers": []interface{}{"c"}},
		})
		list, _, _ := unstructured.NestedSlice(merged.Object, "spec", "finalizers")
		Expect(list).To(ConsistOf("c"))
	})

	It("should not mutate the base", func() {
		b := base()
		kube.MergeOverlay(b, map[string]interface{}{
			"spec": map[string]interface{}{"replicas": int64(5)},
		})
		replicas, _, _ := unstructured.NestedInt64(b.Object, "spec", "replicas")
		Expect(replicas).To(Equal(int64(1)))
	})
})

var _ = Describe("RewriteImages", func() {
	It("should rewrite workload pod templates", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		kube.RewriteImages(objects[0], map[string]string{"web": "registry.example.com/strato/web:v3"})
		containers, _, _ := unstructured.NestedSlice(objects[0].Object, "spec", "template", "spec", "containers")
		image := containers[0].(map[string]interface{})["image"]
		Expect(image).To(Equal("registry.example.com/strato/web:v3"))
	})

	It("should match on the repository's last segment", func() {
		objects, err := engine.Normalize([]byte(`
apiVersion: v1
kind: Pod
metadata:
  name: tool
spec:
  initContainers:
  - name: init
    image: ghcr.io/acme/migrate:2
  containers:
  - name: tool
    image: busybox
`))
		Expect(err).ToNot(HaveOccurred())
		kube.RewriteImages(objects[0], map[string]string{"migrate": "registry.example.com/strato/migrate:v1"})
		initContainers, _, _ := unstructured.NestedSlice(objects[0].Object, "spec", "initContainers")
		Expect(initContainers[0].(map[string]interface{})["image"]).To(Equal("registry.example.com/strato/migrate:v1"))
		containers, _, _ := unstructured.NestedSlice(objects[0].Object, "spec", "containers")
		Expect(containers[0].(map[string]interface{})["image"]).To(Equal("busybox"))
	})
})

var _ = Describe("Apply and Prune", func() {
	It("should create labeled objects", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Apply(ctx, "web", objects)).To(Succeed())

		got := &unstructured.Unstructured{}
		got.SetAPIVersion("apps/v1")
		got.SetKind("Deployment")
		Expect(kubeClient.Get(ctx, client.ObjectKey{Namespace: "default", Name: "web"}, got)).To(Succeed())
		Expect(got.GetLabels()).To(HaveKeyWithValue(kube.ManagedLabel, "true"))
		Expect(got.GetLabels()).To(HaveKeyWithValue(kube.OwnerLabel, "web"))
	})

	It("should reconcile on re-apply", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Apply(ctx, "web", objects)).To(Succeed())

		updated, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		Expect(unstructured.SetNestedField(updated[0].Object, int64(3), "spec", "replicas")).To(Succeed())
		Expect(engine.Apply(ctx, "web", updated)).To(Succeed())

		got := &unstructured.Unstructured{}
		got.SetAPIVersion("apps/v1")
		got.SetKind("Deployment")
		Expect(kubeClient.Get(ctx, client.ObjectKey{Namespace: "default", Name: "web"}, got)).To(Succeed())
		replicas, _, _ := unstructured.NestedInt64(got.Object, "spec", "replicas")
		Expect(replicas).To(Equal(int64(3)))
	})

	It("should prune objects dropped from the set", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		extra, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: settings\n"))
		Expect(err).ToNot(HaveOccurred())
		all := append(objects, extra...)
		Expect(engine.Apply(ctx, "web", all)).To(Succeed())

		kept := append(objects, engineNormalizeConfigMap("other")...)
		Expect(engine.Apply(ctx, "web", kept)).To(Succeed())
		Expect(engine.Prune(ctx, "web", kept)).To(Succeed())

		missing := &unstructured.Unstructured{}
		missing.SetAPIVersion("v1")
		missing.SetKind("ConfigMap")
		err = kubeClient.Get(ctx, client.ObjectKey{Namespace: "default", Name: "settings"}, missing)
		Expect(err).To(HaveOccurred())

		still := &unstructured.Unstructured{}
		still.SetAPIVersion("apps/v1")
		still.SetKind("Deployment")
		Expect(kubeClient.Get(ctx, client.ObjectKey{Namespace: "default", Name: "web"}, still)).To(Succeed())
	})

	It("should not prune objects of another owner", func() {
		mine, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: mine\n"))
		Expect(err).ToNot(HaveOccurred())
		theirs, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: theirs\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Apply(ctx, "web", mine)).To(Succeed())
		Expect(engine.Apply(ctx, "api", theirs)).To(Succeed())

		Expect(engine.Prune(ctx, "web", nil)).To(Succeed())

		got := &unstructured.Unstructured{}
		got.SetAPIVersion("v1")
		got.SetKind("ConfigMap")
		Expect(kubeClient.Get(ctx, client.ObjectKey{Namespace: "default", Name: "theirs"}, got)).To(Succeed())
	})
})

var _ = Describe("Wait", func() {
	It("should pass once the deployment is available", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		deployment := objects[0]
		Expect(unstructured.SetNestedSlice(deployment.Object, []interface{}{
			map[string]interface{}{"type": "Available", "status": "True"},
		}, "status", "conditions")).To(Succeed())
		Expect(kubeClient.Create(ctx, deployment)).To(Succeed())

		Expect(engine.Wait(ctx, []*unstructured.Unstructured{deployment})).To(Succeed())
	})

	It("should time out on an unready deployment", func() {
		objects, err := engine.Normalize([]byte(deploymentManifest))
		Expect(err).ToNot(HaveOccurred())
		Expect(kubeClient.Create(ctx, objects[0])).To(Succeed())

		err = engine.Wait(ctx, objects[:1])
		Expect(errors.IsTimeout(err)).To(BeTrue())
	})

	It("should treat bare config objects as ready", func() {
		objects, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: settings\n"))
		Expect(err).ToNot(HaveOccurred())
		Expect(kubeClient.Create(ctx, objects[0])).To(Succeed())
		Expect(engine.Wait(ctx, objects)).To(Succeed())
	})
})

func engineNormalizeConfigMap(name string) []*unstructured.Unstructured {
	objects, err := engine.Normalize([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: " + name + "\n"))
	Expect(err).ToNot(HaveOccurred())
	return objects
}

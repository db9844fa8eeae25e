// Package config loads the agent's identity once at startup into an
// immutable value, matching the env-driven identity the teacher's
// cmd/machine-api-operator reads via COMPONENT_NAMESPACE rather than a
// config file layer.
package config

import (
	"fmt"
	"os"
)

// Config is built once by Load and never mutated afterward. Every
// goroutine reads it by value or by a pointer that is never written to
// again, so it needs no synchronization.
type Config struct {
	// KubedoorMaster is the base URL (scheme + host[:port]) of the master
	// this agent tunnels to, e.g. "wss://kubedoor-master.example.com".
	KubedoorMaster string
	// PromK8sTagKey/PromK8sTagValue identify this cluster in outbound
	// metrics and chat notifications (the "<env>" in the log prefix).
	PromK8sTagKey   string
	PromK8sTagValue string
	// MsgToken authenticates outbound chat notifications.
	MsgToken string
	// OSSURL is the object-storage endpoint used for artifact links in
	// chat notifications (out of scope beyond being passed through).
	OSSURL string
	// NodeLabelValue is the value written for the per-deployment pinned
	// node label "<namespace>.<deployment>"=NodeLabelValue.
	NodeLabelValue string
	// Base64CA is the CA bundle embedded in the MutatingWebhookConfiguration
	// this agent manages.
	Base64CA string
}

// Load reads the agent identity from the environment. KUBEDOOR_MASTER,
// PROM_K8S_TAG_VALUE, NODE_LABLE_VALUE and BASE64CA are required; a
// missing one is a fatal startup error. PROM_K8S_TAG_KEY, MSG_TOKEN and
// OSS_URL may be empty.
func Load() (Config, error) {
	c := Config{
		KubedoorMaster:  os.Getenv("KUBEDOOR_MASTER"),
		PromK8sTagKey:   os.Getenv("PROM_K8S_TAG_KEY"),
		PromK8sTagValue: os.Getenv("PROM_K8S_TAG_VALUE"),
		MsgToken:        os.Getenv("MSG_TOKEN"),
		OSSURL:          os.Getenv("OSS_URL"),
		NodeLabelValue:  os.Getenv("NODE_LABLE_VALUE"),
		Base64CA:        os.Getenv("BASE64CA"),
	}

	missing := []string{}
	if c.KubedoorMaster == "" {
		missing = append(missing, "KUBEDOOR_MASTER")
	}
	if c.PromK8sTagValue == "" {
		missing = append(missing, "PROM_K8S_TAG_VALUE")
	}
	if c.NodeLabelValue == "" {
		missing = append(missing, "NODE_LABLE_VALUE")
	}
	if c.Base64CA == "" {
		missing = append(missing, "BASE64CA")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %v", missing)
	}
	return c, nil
}

// Tag formats the "<env>·<namespace>·<deployment>" prefix used to
// localize log lines and chat notifications to a specific cluster and
// deployment, per SPEC_FULL.md §7.
func (c Config) Tag(namespace, deployment string) string {
	return fmt.Sprintf("[%s·%s·%s]", c.PromK8sTagValue, namespace, deployment)
}

// Package cronjob builds the CronJob objects kubedoor-agent schedules for
// delayed or recurring scale/restart operations, grounded on
// kubedoor-agent.py's cron() handler.
package cronjob

import (
	"context"
	"fmt"
	"net/url"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	namespace   = "kubedoor"
	jobImage    = "registry.cn-shenzhen.aliyuncs.com/starsl/busybox-curl"
	agentURLFmt = "https://kubedoor-agent.kubedoor/api/%s"
)

// TimeExpr is the [year, month, day, hour, minute] one-shot schedule the
// original accepts; a nil TimeExpr with a non-empty CronExpr builds a
// recurring job instead.
type TimeExpr struct {
	Year, Month, Day, Hour, Minute int
}

// Request describes the CronJob this agent should create, mirroring the
// cron() handler's body.
type Request struct {
	OpType         string // "scale", "restart", etc — the /api/<op> path segment
	DeploymentName string
	ServiceJSON    string // the JSON body to POST back to the agent when the job fires
	TimeExpr       *TimeExpr
	CronExpr       string
	AddLabel       bool
	Scheduler      bool
}

// Name returns the CronJob name: "<op>-<once|cron>-<deployment>".
func (r Request) Name() string {
	kind := "cron"
	if r.TimeExpr != nil {
		kind = "once"
	}
	return fmt.Sprintf("%s-%s-%s", r.OpType, kind, r.DeploymentName)
}

// Schedule returns the crontab schedule string, either built from
// TimeExpr (a single-shot "minute hour day month *" line, the cluster
// CronJob controller fires it once then the caller deletes it) or
// CronExpr verbatim.
func (r Request) Schedule() string {
	if r.TimeExpr != nil {
		t := r.TimeExpr
		return fmt.Sprintf("%d %d %d %d *", t.Minute, t.Hour, t.Day, t.Month)
	}
	return r.CronExpr
}

// URL builds the callback URL the CronJob's container curls, composing
// add_label/scheduler as proper query parameters via net/url.Values
// instead of the original's string-concatenation bug that produced
// "?a=..?b=.." when both flags were set (see DESIGN.md REDESIGN FLAGS).
func (r Request) URL() string {
	u := fmt.Sprintf(agentURLFmt, r.OpType)
	q := url.Values{}
	if r.AddLabel {
		q.Set("add_label", "true")
	}
	if r.Scheduler {
		q.Set("scheduler", "true")
	}
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// Build constructs the CronJob object for this request.
func (r Request) Build() *batchv1.CronJob {
	jobType := "cron"
	if r.TimeExpr != nil {
		jobType = "once"
	}

	cmd := fmt.Sprintf(
		`curl -s -k -X POST -H "Content-Type: application/json" -d '%s' %s`,
		r.ServiceJSON, r.URL(),
	)

	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Name: r.Name(), Namespace: namespace},
		Spec: batchv1.CronJobSpec{
			Schedule: r.Schedule(),
			JobTemplate: batchv1.JobTemplateSpec{
				Spec: batchv1.JobSpec{
					Template: corev1.PodTemplateSpec{
						Spec: corev1.PodSpec{
							RestartPolicy: corev1.RestartPolicyOnFailure,
							Containers: []corev1.Container{
								{
									Name:    "trigger",
									Image:   jobImage,
									Command: []string{"sh", "-c", cmd},
									Env: []corev1.EnvVar{
										{Name: "CRONJOB_TYPE", Value: jobType},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

// Factory creates CronJobs in the kubedoor namespace and deletes one-shot
// jobs once they've fired, matching delete_cronjob_or_not.
type Factory struct {
	client kubernetes.Interface
}

func New(client kubernetes.Interface) *Factory { return &Factory{client: client} }

func (f *Factory) Create(ctx context.Context, req Request) error {
	job := req.Build()
	_, err := f.client.BatchV1().CronJobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	return err
}

// DeleteIfOnce deletes the named CronJob only when jobType == "once",
// matching delete_cronjob_or_not's guard against deleting recurring jobs.
func (f *Factory) DeleteIfOnce(ctx context.Context, cronJobName, jobType string) error {
	if jobType != "once" {
		return nil
	}
	return f.client.BatchV1().CronJobs(namespace).Delete(ctx, cronJobName, metav1.DeleteOptions{})
}

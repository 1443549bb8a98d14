// Package kubernetes resolves per-session sandbox endpoints through
// agent-sandbox SandboxClaim resources. One claim exists per session, named
// after it, so every execution in a session lands on the same sandbox pod
// and in-sandbox state survives across turns. The claim's sandbox is created
// and torn down by the agent-sandbox controller; this package never deletes
// anything.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rbackhaus/sandkasten/pkg/debug"
	"github.com/rbackhaus/sandkasten/pkg/executor"
)

var _ executor.EndpointProvider = (*ClaimProvider)(nil)

// DefaultClaimTimeout bounds how long Endpoint waits for a sandbox to become
// ready. Pulling the sandbox image on a cold node dominates this.
const DefaultClaimTimeout = 30 * time.Second

// ClaimProvider implements executor.EndpointProvider on top of SandboxClaim
// CRDs. Endpoint creates the session's claim if it does not exist yet, waits
// for the controller to report the Sandbox ready, and returns the sandbox
// service URL.
type ClaimProvider struct {
	client    client.Client
	template  string
	namespace string
	timeout   time.Duration
}

// NewClaimProvider creates a ClaimProvider. Timeout zero means
// DefaultClaimTimeout.
func NewClaimProvider(c client.Client, template, namespace string, timeout time.Duration) (*ClaimProvider, error) {
	if c == nil {
		return nil, fmt.Errorf("kubernetes: client must not be nil")
	}
	if template == "" {
		return nil, fmt.Errorf("kubernetes: sandbox template must not be empty")
	}
	if namespace == "" {
		return nil, fmt.Errorf("kubernetes: namespace must not be empty")
	}
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	return &ClaimProvider{
		client:    c,
		template:  template,
		namespace: namespace,
		timeout:   timeout,
	}, nil
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

// Endpoint implements executor.EndpointProvider. The claim name derives from
// the session ID, so a claim that already exists is the session's own from an
// earlier execution and is simply reused. A claim that fails to become ready
// is left in place: the controller may still be pulling the image, and the
// next execution picks up the wait where this one gave up.
//
// The release function is a no-op. Sandbox teardown belongs to the
// controller's own lifecycle policy, not to individual executions.
func (p *ClaimProvider) Endpoint(ctx context.Context, sessionID string) (string, func(), error) {
	name := claimName(sessionID)

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{
				Name: p.template,
			},
		},
	}

	if err := p.client.Create(ctx, claim); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
		}
		debug.Log("executor", "reusing SandboxClaim", "name", name, "session_id", sessionID)
	} else {
		debug.Log("executor", "created SandboxClaim",
			"name", name,
			"namespace", p.namespace,
			"template", p.template,
		)
	}

	serviceFQDN, err := p.waitForReady(ctx, name)
	if err != nil {
		return "", nil, err
	}

	return fmt.Sprintf("http://%s:8080", serviceFQDN), func() {}, nil
}

// waitForReady polls the Sandbox resource until its Ready condition is True
// and the service FQDN is populated, or the timeout expires.
func (p *ClaimProvider) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.After(p.timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for Sandbox %q: %w", sandboxName, ctx.Err())
		case <-deadline:
			return "", fmt.Errorf("timeout waiting for Sandbox %q to become ready (waited %s)", sandboxName, p.timeout)
		case <-ticker.C:
			sandbox := &sandboxv1alpha1.Sandbox{}
			key := types.NamespacedName{Name: sandboxName, Namespace: p.namespace}
			if err := p.client.Get(ctx, key, sandbox); err != nil {
				// The controller has not created the Sandbox yet. Keep polling.
				debug.Log("executor", "waiting for Sandbox", "name", sandboxName, "error", err.Error())
				continue
			}
			if isReady(sandbox) && sandbox.Status.ServiceFQDN != "" {
				return sandbox.Status.ServiceFQDN, nil
			}
		}
	}
}

// isReady checks if the Sandbox has a Ready condition set to True.
func isReady(sandbox *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sandbox.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// claimName maps a session ID to a DNS-1123 compatible resource name. The
// session ID suffix is already lowercase alphanumeric, only the underscore in
// the prefix needs replacing.
func claimName(sessionID string) string {
	return "sandkasten-" + strings.TrimPrefix(sessionID, "sess_")
}

package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// WarningEvent is a Warning-type Kubernetes event summary.
type WarningEvent struct {
	UID        string
	Reason     string
	Message    string
	ObjectKind string
	ObjectName string
	Namespace  string
	Count      int
	LastSeen   time.Time
}

// Client wraps the Kubernetes API.
type Client struct {
	clientset         kubernetes.Interface
	allowedNamespaces []string
	logger            zerolog.Logger
}

// Config holds K8s client configuration.
type Config struct {
	KubeconfigPath    string
	AllowedNamespaces []string
}

// NewClient creates a K8s client from kubeconfig or in-cluster config.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	var restConfig *rest.Config
	var err error

	if cfg.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return NewClientFromInterface(cs, cfg.AllowedNamespaces, logger), nil
}

// NewClientFromInterface creates a client from an existing kubernetes.Interface (for testing).
func NewClientFromInterface(cs kubernetes.Interface, allowedNamespaces []string, logger zerolog.Logger) *Client {
	return &Client{
		clientset:         cs,
		allowedNamespaces: allowedNamespaces,
		logger:            logger.With().Str("component", "k8s").Logger(),
	}
}

func (c *Client) isNamespaceAllowed(ns string) bool {
	if len(c.allowedNamespaces) == 0 {
		return true
	}
	for _, a := range c.allowedNamespaces {
		if a == ns {
			return true
		}
	}
	return false
}

func (c *Client) checkNamespace(ns string) error {
	if !c.isNamespaceAllowed(ns) {
		return perrors.Validationf("namespace %q is not allowed", ns)
	}
	return nil
}

// WarningEvents returns Warning events in a namespace ordered by last seen time, then UID.
func (c *Client) WarningEvents(ctx context.Context, namespace string) ([]WarningEvent, error) {
	if err := c.checkNamespace(namespace); err != nil {
		return nil, err
	}

	events, err := c.clientset.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{
		FieldSelector: "type=" + corev1.EventTypeWarning,
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("listing events: %w", err))
	}

	var result []WarningEvent
	for _, e := range events.Items {
		if e.Type != corev1.EventTypeWarning {
			continue
		}
		count := int(e.Count)
		if count == 0 {
			count = 1
		}
		result = append(result, WarningEvent{
			UID:        string(e.UID),
			Reason:     e.Reason,
			Message:    e.Message,
			ObjectKind: e.InvolvedObject.Kind,
			ObjectName: e.InvolvedObject.Name,
			Namespace:  e.Namespace,
			Count:      count,
			LastSeen:   lastSeen(e).UTC(),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastSeen.Equal(result[j].LastSeen) {
			return result[i].LastSeen.Before(result[j].LastSeen)
		}
		return result[i].UID < result[j].UID
	})
	return result, nil
}

func lastSeen(e corev1.Event) time.Time {
	switch {
	case !e.LastTimestamp.IsZero():
		return e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		return e.EventTime.Time
	case !e.FirstTimestamp.IsZero():
		return e.FirstTimestamp.Time
	default:
		return e.CreationTimestamp.Time
	}
}

// ScaleDeployment sets spec.replicas on a deployment.
func (c *Client) ScaleDeployment(ctx context.Context, namespace, name string, replicas int32) error {
	if err := c.checkNamespace(namespace); err != nil {
		return err
	}
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))
	if _, err := c.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return mapError(fmt.Errorf("scaling deployment %s/%s: %w", namespace, name, err))
	}
	c.logger.Info().Str("namespace", namespace).Str("deployment", name).Int32("replicas", replicas).Msg("deployment scaled")
	return nil
}

// RestartDeployment triggers a rolling restart the way kubectl rollout restart does.
func (c *Client) RestartDeployment(ctx context.Context, namespace, name string, at time.Time) error {
	if err := c.checkNamespace(namespace); err != nil {
		return err
	}
	patch := []byte(fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
		at.UTC().Format(time.RFC3339),
	))
	if _, err := c.clientset.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return mapError(fmt.Errorf("restarting deployment %s/%s: %w", namespace, name, err))
	}
	c.logger.Info().Str("namespace", namespace).Str("deployment", name).Msg("deployment restarted")
	return nil
}

// mapError translates API server status errors into the engine's error kinds.
func mapError(err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		st := status.Status()
		if st.Code != 0 {
			return perrors.FromStatus(ServiceID, int(st.Code), st.Message)
		}
	}
	return err
}

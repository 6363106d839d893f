package kafka

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// LeaveConsumerGroupByInstanceID asks the group coordinator to remove a
// single static member from the group without waiting for its session to
// time out. The container calls this during a clean shutdown so a
// restarted instance with the same group.instance.id doesn't have to wait
// out the previous member's session timeout before a rebalance proceeds.
func LeaveConsumerGroupByInstanceID(ctx context.Context, client *kgo.Client, group, instanceID string, logger log.Logger) error {
	if instanceID == "" {
		return nil
	}

	req := kmsg.NewLeaveGroupRequest()
	req.Group = group
	member := kmsg.NewLeaveGroupRequestMember()
	member.InstanceID = &instanceID
	member.Reason = kmsg.StringPtr("container shutdown")
	req.Members = append(req.Members, member)

	result, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("leave group request: %w", err)
	}
	if err := kerr.ErrorForCode(result.ErrorCode); err != nil {
		return fmt.Errorf("leave group response: %w", err)
	}
	for _, m := range result.Members {
		if err := kerr.ErrorForCode(m.ErrorCode); err != nil {
			level.Warn(logger).Log("msg", "member-level error leaving consumer group", "instance_id", instanceID, "err", err)
		}
	}
	level.Info(logger).Log("msg", "left consumer group", "group", group, "instance_id", instanceID)
	return nil
}

package commonregister

import (
	"fmt"
	"log/slog"

	"github.com/blingmoon/simple-checker/tasks"
	"github.com/pkg/errors"
)

/**
 * @description: 把业务服务接入审批流程
 *				 任务COMPLETED后按business_event回放对应操作, 返回创建审批任务的CheckerLogic
 * @param services 组装好的服务
 * @param service 业务服务, 同一个事件总线上服务名不能重复
 * @return tasks.CheckerLogic
 * @return error
 */
func RegisterCheckedService(services *tasks.Services, service tasks.CheckedService) (tasks.CheckerLogic, error) {
	if services == nil || services.Bus == nil || services.TaskService == nil {
		return nil, errors.WithMessage(tasks.ErrValidation, "services not ready")
	}
	if service == nil || service.ServiceName() == "" {
		return nil, errors.WithMessage(tasks.ErrValidation, "service name is empty")
	}
	if !services.Bus.Claim(service.ServiceName()) {
		return nil, errors.WithMessagef(tasks.ErrConflict, "service %s has been registered", service.ServiceName())
	}

	handlerName := fmt.Sprintf("%s.OnTaskComplete", service.ServiceName())
	services.Bus.Bind(tasks.EventTaskComplete, tasks.BindAfter, handlerName, tasks.OnTaskCompleteHandler(service, services.Users))
	slog.Info(fmt.Sprintf("[RegisterCheckedService] %s registered, entity_type: %s", service.ServiceName(), service.EntityType()))
	return tasks.NewCheckerLogic(service, services.TaskService, services.Entities, services.Config), nil
}

// MustRegisterCheckedService 注册失败直接panic, 用在启动阶段
func MustRegisterCheckedService(services *tasks.Services, service tasks.CheckedService) tasks.CheckerLogic {
	checker, err := RegisterCheckedService(services, service)
	if err != nil {
		panic(err)
	}
	return checker
}

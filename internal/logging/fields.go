package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 key/url/结果等字段，供 /file 请求日志复用。
func RequestFields(key, url, outcome string, status int) logrus.Fields {
	return logrus.Fields{
		"key":     key,
		"url":     url,
		"outcome": outcome,
		"status":  status,
	}
}

// FetchFields 描述一次后台下载单元，backend 为空表示尚未完成路由。
func FetchFields(key, url, backend string) logrus.Fields {
	return logrus.Fields{
		"action":  "fetch",
		"key":     key,
		"url":     url,
		"backend": backend,
	}
}

package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SectionFields 描述一次缓存读写所涉及的 section。
func SectionFields(action, section string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"section": section,
	}
}

// DownloadFields 提供下载日志的公共字段，attempt 从 1 开始计数。
func DownloadFields(section, url string, attempt int) logrus.Fields {
	return logrus.Fields{
		"action":  "download",
		"section": section,
		"url":     url,
		"attempt": attempt,
	}
}
